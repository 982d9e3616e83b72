// Package flightserve exposes the attention kernel over Arrow Flight.
// A DoExchange call carries one input record (Q/K/V/mask, see arrowio) and
// streams back one output record.
package flightserve

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bodkin/internal/arrowio"
	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// AttentionServer serves attention calls over Flight DoExchange. The kernel
// configuration is fixed at construction; clients supply only tensors.
type AttentionServer struct {
	flight.BaseFlightServer
	cfg config.Config
	mem memory.Allocator
}

func NewAttentionServer(cfg config.Config) (*AttentionServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &AttentionServer{cfg: cfg, mem: memory.DefaultAllocator}, nil
}

func (s *AttentionServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return fmt.Errorf("open exchange stream: %w", err)
	}
	defer rdr.Release()

	if !rdr.Next() {
		if err := rdr.Err(); err != nil {
			return fmt.Errorf("read input record: %w", err)
		}
		return fmt.Errorf("exchange stream holds no input record")
	}
	rec := rdr.Record()
	rec.Retain()
	defer rec.Release()

	q, k, v, mask, err := arrowio.InputsFromRecord(rec)
	if err != nil {
		return fmt.Errorf("unpack attention inputs: %w", err)
	}

	out, err := attention.MHA(q, k, v, mask, nil, s.cfg)
	if err != nil {
		return err
	}
	metrics.FlightExchangesTotal.Inc()

	batch, seq, heads, headDim := out.Dims()
	logger.Log.Debug("served attention exchange",
		"batch", batch, "seq", seq, "heads", heads, "head_dim", headDim,
		"backend", s.cfg.BackendName())

	outRec := arrowio.BuildOutputRecord(s.mem, out)
	defer outRec.Release()

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(outRec.Schema()))
	defer wr.Close()
	if err := wr.Write(outRec); err != nil {
		return fmt.Errorf("write output record: %w", err)
	}
	return nil
}

// Serve starts a Flight server on addr and blocks until Shutdown. Pass
// "localhost:0" to bind an ephemeral port (the listener address is logged).
func Serve(addr string, cfg config.Config) (flight.Server, error) {
	handler, err := NewAttentionServer(cfg)
	if err != nil {
		return nil, err
	}
	srv := flight.NewServerWithMiddleware(nil)
	srv.RegisterFlightService(handler)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("bind flight listener on %s: %w", addr, err)
	}
	logger.Log.Info("attention flight server listening", "addr", srv.Addr().String())
	go func() {
		if err := srv.Serve(); err != nil {
			logger.Log.Error("flight server stopped", "error", err)
		}
	}()
	return srv, nil
}
