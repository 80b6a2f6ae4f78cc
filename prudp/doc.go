// Package prudp implements the server side of PRUDP v1, the reliable UDP
// transport of the Wii U online services.
//
// A Router owns one UDP socket and hands each decoded packet to the Socket
// registered for its destination virtual port. A Socket keeps one Connection
// per peer address and virtual port, drives the SYN/CONNECT handshake,
// reorders reliable DATA, reassembles fragments and delivers complete
// messages to its Handler in sequence order.
package prudp
