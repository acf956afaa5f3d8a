package client

import (
	"context"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-salt/internal/assembler"
	"github.com/23skdu/longbow-salt/internal/store"
)

type mockFlightServer struct {
	flight.BaseFlightServer

	mu    sync.Mutex
	paths [][]string
	reqs  []RunRequest
	rows  int64
}

func (s *mockFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	desc := reader.LatestFlightDescriptor()
	var rows int64
	batches := 0
	for reader.Next() {
		rows += reader.Record().NumRows()
		batches++
	}
	if err := reader.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.rows += rows
	s.mu.Unlock()

	if desc.GetType() == flight.DescriptorPATH {
		s.mu.Lock()
		s.paths = append(s.paths, desc.GetPath())
		s.mu.Unlock()
		return nil
	}

	req, err := DecodeRequest(desc.GetCmd())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()

	meta, err := EncodeResult(RunResult{Session: "s-1", Output: req.Source + ".out", Jets: int(rows), Batches: batches})
	if err != nil {
		return err
	}
	return stream.Send(&flight.PutResult{AppMetadata: meta})
}

func startServer(t *testing.T) (*mockFlightServer, *FlightClient) {
	t.Helper()
	mockServer := &mockFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mockServer)
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)

	client, err := NewFlightClient(server.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return mockServer, client
}

func floatRecord(t *testing.T, name string, vals []float32) arrow.RecordBatch {
	t.Helper()
	b := array.NewFloat32Builder(memory.NewGoAllocator())
	defer b.Release()
	b.AppendValues(vals, nil)
	a := b.NewArray()
	defer a.Release()
	schema := arrow.NewSchema([]arrow.Field{{Name: name, Type: arrow.PrimitiveTypes.Float32}}, nil)
	return array.NewRecordBatch(schema, []arrow.Array{a}, int64(len(vals)))
}

func TestFlightClient_SendPass(t *testing.T) {
	srv, client := startServer(t)

	a := floatRecord(t, "mask", []float32{1, 2})
	defer a.Release()
	b := floatRecord(t, "mask", []float32{3})
	defer b.Release()

	req := RunRequest{Source: "/data/test.arrow", Checkpoint: "/ckpts/best.ckpt"}
	res, err := client.SendPass(context.Background(), req, []arrow.RecordBatch{a, b})
	require.NoError(t, err)

	assert.Equal(t, "/data/test.arrow.out", res.Output)
	assert.Equal(t, 3, res.Jets)
	assert.Equal(t, 2, res.Batches)
	require.Len(t, srv.reqs, 1)
	assert.Equal(t, req, srv.reqs[0])

	_, err = client.SendPass(context.Background(), req, nil)
	assert.Error(t, err)
	_, err = client.SendPass(context.Background(), RunRequest{}, []arrow.RecordBatch{a})
	assert.Error(t, err)
}

func TestFlightClient_Forward(t *testing.T) {
	srv, client := startServer(t)

	jets := floatRecord(t, "salt_pb", []float32{0.1, 0.2})
	defer jets.Release()
	tracks := floatRecord(t, "Pileup", []float32{1, 2, 3, 4})
	defer tracks.Release()

	rs := &assembler.RecordSet{
		Jets:   store.Block{Name: "jets", Record: jets},
		Tracks: &store.Block{Name: "tracks", Record: tracks, Slots: 2},
	}
	require.NoError(t, client.Forward(context.Background(), "salt_outputs", rs))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, [][]string{{"salt_outputs", "jets"}, {"salt_outputs", "tracks"}}, srv.paths)
	assert.Equal(t, int64(6), srv.rows)
}

func TestProtocolRoundTrip(t *testing.T) {
	data, err := EncodeRequest(RunRequest{Source: "a.arrow", Sample: "ttbar"})
	require.NoError(t, err)
	req, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, RunRequest{Source: "a.arrow", Sample: "ttbar"}, req)

	_, err = EncodeRequest(RunRequest{})
	assert.Error(t, err)
	_, err = DecodeRequest([]byte{0xff})
	assert.Error(t, err)
}
