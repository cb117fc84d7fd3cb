package flight

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bindery/internal/arrowio"
	"github.com/23skdu/longbow-bindery/internal/dataset"
	"github.com/23skdu/longbow-bindery/internal/logger"
)

// Client talks to a dataset Server.
type Client struct {
	addr string
	cl   flight.Client
	mem  memory.Allocator
}

// Dial connects to addr. Connections are plaintext unless opts supply
// transport credentials.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cl, err := flight.NewClientWithMiddleware(addr, nil, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("flight: dial %s: %w", addr, err)
	}
	return &Client{addr: addr, cl: cl, mem: memory.DefaultAllocator}, nil
}

func (c *Client) Addr() string { return c.addr }

func (c *Client) Close() error {
	return c.cl.Close()
}

// List returns the names of the datasets the server publishes.
func (c *Client) List(ctx context.Context) ([]string, error) {
	stream, err := c.cl.ListFlights(ctx, &flight.Criteria{})
	if err != nil {
		return nil, fmt.Errorf("flight: list: %w", err)
	}
	var names []string
	for {
		info, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("flight: list: %w", err)
		}
		if p := info.GetFlightDescriptor().GetPath(); len(p) == 1 {
			names = append(names, p[0])
		}
	}
}

// Fetch downloads the dataset name.
func Fetch[T dataset.Element](ctx context.Context, c *Client, name string) (*dataset.Dataset[T], error) {
	stream, err := c.cl.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
	if err != nil {
		return nil, fmt.Errorf("flight: get %q: %w", name, err)
	}
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, fmt.Errorf("flight: get %q: %w", name, err)
	}
	defer rdr.Release()

	ds, err := arrowio.Decode[T](rdr)
	if err != nil {
		return nil, fmt.Errorf("flight: get %q: %w", name, err)
	}
	logger.For("flight").Debug("dataset fetched", "addr", c.addr, "name", name, "arrays", ds.Len())
	return ds, nil
}

// FetchAll downloads several datasets concurrently. The first failure
// cancels the remaining downloads.
func FetchAll[T dataset.Element](ctx context.Context, c *Client, names ...string) ([]*dataset.Dataset[T], error) {
	out := make([]*dataset.Dataset[T], len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, name := range names {
		g.Go(func() error {
			ds, err := Fetch[T](ctx, c, name)
			if err != nil {
				return err
			}
			out[i] = ds
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Push uploads ds under name, replacing any dataset of that name.
func Push[T dataset.Element](ctx context.Context, c *Client, name string, ds *dataset.Dataset[T]) error {
	stream, err := c.cl.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("flight: put %q: %w", name, err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(arrowio.Schema(ds)), ipc.WithAllocator(c.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{name}})
	werr := arrowio.Encode(c.mem, w, ds)
	if cerr := w.Close(); werr == nil {
		werr = cerr
	}
	stream.CloseSend()

	// A rejected put ends the stream early; the server's status arrives on
	// Recv and explains any send error.
	for {
		_, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("flight: put %q: %w", name, err)
		}
	}
	if werr != nil {
		return fmt.Errorf("flight: put %q: %w", name, werr)
	}
	return nil
}

// Loader fetches name on a dataset's background loader.
func Loader[T dataset.Element](ctx context.Context, c *Client, name string) dataset.Loader[T] {
	return func() (*dataset.Dataset[T], error) {
		return Fetch[T](ctx, c, name)
	}
}
