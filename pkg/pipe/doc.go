// Package pipe implements reliable ordered byte streams multiplexed over
// bus packets.
//
// An InPipe owns a local port and receives pipe-index commands addressed to
// the local device. Its peer, an OutPipe, is created from the "open"
// command the InPipe owner sent and writes ack-required frames carrying a
// 5-bit sequence counter. Frames with an unexpected counter are dropped;
// a close-flagged frame ends the stream.
//
//	in, _ := mgr.Open()
//	client.SendCommand(in.OpenCommand(cmdListItems))
//	items, err := in.ReadList(ctx)
package pipe
