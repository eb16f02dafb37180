// Package bus is the public face of the inter-core mailbox multiplexer.
//
// A [Bus] owns the channel table, the dispatcher and the sync request
// engine for one shared transport. Clients open a channel by id, read
// and write messages on it, register an asynchronous callback, or issue
// blocking sync requests. The bus enforces the flow-control protocol on
// both sides: the dispatcher blocks a channel at the high watermark and
// the read path unblocks it below the low watermark.
//
// # Basic Usage
//
//	lb := transport.NewLoopback(256)
//	b, err := bus.New(lb, bus.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer b.Shutdown()
//
//	if err := b.Open(3); err != nil {
//		return err
//	}
//	msg, err := b.Read(ctx, 3)
//
// # Thread Safety
//
// Every method is safe for concurrent use. Each channel supports a single
// consumer; concurrent readers of the same channel are not supported.
package bus
