package flightserve

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/arrowio"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Client calls a remote attention Flight server.
type Client struct {
	fc  flight.Client
	mem memory.Allocator
}

func Dial(addr string) (*Client, error) {
	fc, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial flight server %s: %w", addr, err)
	}
	return &Client{fc: fc, mem: memory.DefaultAllocator}, nil
}

func (c *Client) Close() error {
	return c.fc.Close()
}

// Attend sends Q/K/V/mask to the server and returns the output tensor.
func (c *Client) Attend(ctx context.Context, q, k, v *tensor.Tensor, mask *tensor.Mask) (*tensor.Tensor, error) {
	rec, err := arrowio.BuildInputRecord(c.mem, q, k, v, mask)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	stream, err := c.fc.DoExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("open exchange: %w", err)
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return nil, fmt.Errorf("send attention inputs: %w", err)
	}
	if err := wr.Close(); err != nil {
		return nil, fmt.Errorf("close send side: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close send side: %w", err)
	}

	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("open result stream: %w", err)
	}
	defer rdr.Release()

	if !rdr.Next() {
		if err := rdr.Err(); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read attention output: %w", err)
		}
		return nil, fmt.Errorf("server returned no output record")
	}
	out, err := arrowio.OutputFromRecord(rdr.Record())
	if err != nil {
		return nil, fmt.Errorf("unpack attention output: %w", err)
	}
	return out, nil
}
