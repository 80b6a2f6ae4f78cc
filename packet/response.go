package packet

// BaseResponse starts a reply to orig: ports swapped, ids and type copied,
// no flags, options or payload.
func BaseResponse(orig *Packet) *Packet {
	return &Packet{
		Source:      orig.Destination,
		Destination: orig.Source,
		Type:        orig.Type,
		SessionID:   orig.SessionID,
		SubstreamID: orig.SubstreamID,
		SequenceID:  orig.SequenceID,
	}
}

// BaseAcknowledgement is a BaseResponse carrying only the ACK flag. DATA acks
// echo the fragment id so the peer can match them.
func BaseAcknowledgement(orig *Packet) *Packet {
	ack := BaseResponse(orig)
	ack.Flags = FlagAck
	if orig.Type == TypeData {
		ack.AddOption(FragmentID(orig.FragmentID()))
	}
	return ack
}
