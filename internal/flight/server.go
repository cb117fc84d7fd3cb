// Package flight moves datasets between processes over Arrow Flight.
//
// A Server publishes a directory of dataset files: the ticket of DoGet and
// the single descriptor path element of DoPut are the dataset name, and the
// file is <dir>/<name>.arrows. A Client fetches datasets into memory or feeds
// them to a dataset's background loader.
package flight

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-bindery/internal/arrowio"
	"github.com/23skdu/longbow-bindery/internal/logger"
	"github.com/23skdu/longbow-bindery/internal/metrics"
)

type Server struct {
	flight.BaseFlightServer

	dir string
	mem memory.Allocator
	srv flight.Server
	log *logger.Logger
}

// NewServer serves the dataset files in dir, creating it if needed.
func NewServer(dir string) (*Server, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("flight: dataset dir: %w", err)
	}
	return &Server{
		dir: dir,
		mem: memory.DefaultAllocator,
		log: logger.For("flight").With("dir", dir),
	}, nil
}

// Start listens on addr and serves in the background. Use "localhost:0" for
// an ephemeral port and Addr to find it.
func (s *Server) Start(addr string) error {
	s.srv = flight.NewServerWithMiddleware(nil)
	if err := s.srv.Init(addr); err != nil {
		return fmt.Errorf("flight: listen %s: %w", addr, err)
	}
	s.srv.RegisterFlightService(s)
	go func() {
		if err := s.srv.Serve(); err != nil {
			s.log.Error("flight server stopped", "error", err)
		}
	}()
	s.log.Info("flight server listening", "addr", s.srv.Addr().String())
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.srv == nil {
		return nil
	}
	return s.srv.Addr()
}

// Stop shuts the server down, waiting for in-flight calls.
func (s *Server) Stop() {
	if s.srv != nil {
		s.srv.Shutdown()
	}
}

// Names lists the datasets in the directory, sorted.
func (s *Server) Names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), arrowio.Ext) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), arrowio.Ext))
	}
	sort.Strings(names)
	return names, nil
}

func (s *Server) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", status.Errorf(codes.InvalidArgument, "invalid dataset name %q", name)
	}
	return filepath.Join(s.dir, name+arrowio.Ext), nil
}

func (s *Server) open(name string) (*os.File, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, status.Errorf(codes.NotFound, "dataset %q not found", name)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "open dataset %q: %v", name, err)
	}
	return f, nil
}

// ListFlights describes every dataset in the directory.
func (s *Server) ListFlights(_ *flight.Criteria, stream flight.FlightService_ListFlightsServer) (err error) {
	defer func() { record("ListFlights", err) }()

	names, err := s.Names()
	if err != nil {
		return status.Errorf(codes.Internal, "list datasets: %v", err)
	}
	for _, name := range names {
		info, err := s.info(name)
		if err != nil {
			s.log.Warn("skipping unreadable dataset", "name", name, "error", err)
			continue
		}
		if err := stream.Send(info); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) info(name string) (*flight.FlightInfo, error) {
	f, err := s.open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rdr, err := ipc.NewReader(f, ipc.WithAllocator(s.mem))
	if err != nil {
		return nil, err
	}
	defer rdr.Release()
	if _, err := arrowio.ParseHeader(rdr.Schema()); err != nil {
		return nil, err
	}
	var rows int64
	for rdr.Next() {
		rows += rdr.Record().NumRows()
	}
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(rdr.Schema(), s.mem),
		FlightDescriptor: &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{name}},
		Endpoint:         []*flight.FlightEndpoint{{Ticket: &flight.Ticket{Ticket: []byte(name)}}},
		TotalRecords:     rows,
		TotalBytes:       st.Size(),
	}, nil
}

// DoGet streams the dataset named by the ticket.
func (s *Server) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) (err error) {
	defer func() { record("DoGet", err) }()

	name := string(tkt.GetTicket())
	f, err := s.open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	rdr, err := ipc.NewReader(f, ipc.WithAllocator(s.mem))
	if err != nil {
		return status.Errorf(codes.DataLoss, "dataset %q: %v", name, err)
	}
	defer rdr.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rdr.Schema()), ipc.WithAllocator(s.mem))
	defer w.Close()
	for rdr.Next() {
		if err := w.Write(rdr.Record()); err != nil {
			return err
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return status.Errorf(codes.DataLoss, "dataset %q: %v", name, err)
	}
	s.log.Debug("dataset sent", "name", name)
	return nil
}

// DoPut stores the incoming stream under the descriptor's name, replacing
// any previous dataset of that name.
func (s *Server) DoPut(stream flight.FlightService_DoPutServer) (err error) {
	defer func() { record("DoPut", err) }()

	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read stream: %v", err)
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil || len(desc.GetPath()) != 1 {
		return status.Error(codes.InvalidArgument, "descriptor must be a single-element path naming the dataset")
	}
	name := desc.GetPath()[0]
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if _, err := arrowio.ParseHeader(rdr.Schema()); err != nil {
		return status.Errorf(codes.InvalidArgument, "dataset %q: %v", name, err)
	}

	if err := s.store(p, rdr); err != nil {
		return status.Errorf(codes.Internal, "store dataset %q: %v", name, err)
	}
	s.log.Info("dataset stored", "name", name)
	return stream.Send(&flight.PutResult{AppMetadata: []byte(name)})
}

func (s *Server) store(path string, rdr *flight.Reader) error {
	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := ipc.NewWriter(tmp, ipc.WithSchema(rdr.Schema()), ipc.WithAllocator(s.mem))
	for rdr.Next() {
		if err := w.Write(rdr.Record()); err != nil {
			w.Close()
			tmp.Close()
			return err
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		w.Close()
		tmp.Close()
		return err
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func record(method string, err error) {
	metrics.RecordFlight(method, status.Code(err).String())
}
