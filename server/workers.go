package server

import (
	"context"
	"fmt"

	"github.com/ipfs/go-bitswap-server/internal"
	bsmsg "github.com/ipfs/go-bitswap-server/message"
	pb "github.com/ipfs/go-bitswap-server/message/pb"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SendMessage delivers a message built by the engine. Blocks need to be
// sent synchronously to maintain proper backpressure throughout the network
// stack, so this only returns once the message is written.
func (s *Server) SendMessage(ctx context.Context, p peer.ID, msg bsmsg.BitSwapMessage) error {
	ctx, span := internal.StartSpan(ctx, "Server.SendMessage", trace.WithAttributes(
		attribute.String("To", p.String()),
		attribute.Int("Blocks", len(msg.Blocks())),
		attribute.Int("Presences", len(msg.BlockPresences())),
	))
	defer span.End()

	start := s.clock.Now()
	err := s.network.SendMessage(ctx, p, msg)
	s.sendTimeHistogram.Observe(s.clock.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return err
	}

	s.logOutgoingBlocks(p, msg)

	dataSent := 0
	blks := msg.Blocks()
	for _, b := range blks {
		dataSent += len(b.RawData())
	}
	s.counterLk.Lock()
	s.counters.BlocksSent += uint64(len(blks))
	s.counters.DataSent += uint64(dataSent)
	s.counterLk.Unlock()
	s.sentHistogram.Observe(float64(msg.Size()))

	if s.tracer != nil {
		s.tracer.MessageSent(p, msg)
	}
	return nil
}

func (s *Server) logOutgoingBlocks(p peer.ID, msg bsmsg.BitSwapMessage) {
	if ce := sflog.Check(zap.DebugLevel, "sent message"); ce == nil {
		return
	}

	self := s.network.Self()

	for _, blockPresence := range msg.BlockPresences() {
		c := blockPresence.Cid
		switch blockPresence.Type {
		case pb.Message_Have:
			log.Debugw("sent message",
				"type", "HAVE",
				"cid", c,
				"local", self,
				"to", p,
			)
		case pb.Message_DontHave:
			log.Debugw("sent message",
				"type", "DONT_HAVE",
				"cid", c,
				"local", self,
				"to", p,
			)
		default:
			panic(fmt.Sprintf("unrecognized BlockPresence type %v", blockPresence.Type))
		}

	}
	for _, block := range msg.Blocks() {
		log.Debugw("sent message",
			"type", "BLOCK",
			"cid", block.Cid(),
			"local", self,
			"to", p,
		)
	}
}
