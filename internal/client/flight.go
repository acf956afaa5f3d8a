package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-salt/internal/assembler"
)

// FlightClient streams evaluation passes to a salt server and forwards
// finished outputs to a downstream Flight service.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client: client,
		conn:   conn,
	}, nil
}

// SendPass streams the batches of one pass and waits for the server to
// write the output file. All batches must share one schema.
func (c *FlightClient) SendPass(ctx context.Context, req RunRequest, batches []arrow.RecordBatch) (RunResult, error) {
	if len(batches) == 0 {
		return RunResult{}, fmt.Errorf("no batches to send")
	}
	cmd, err := EncodeRequest(req)
	if err != nil {
		return RunResult{}, err
	}

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return RunResult{}, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(batches[0].Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: cmd})
	for _, rec := range batches {
		if err := writer.Write(rec); err != nil {
			writer.Close()
			return RunResult{}, fmt.Errorf("failed to send batch: %w", err)
		}
		recordsSent.WithLabelValues("batch").Inc()
	}
	if err := writer.Close(); err != nil {
		return RunResult{}, err
	}
	if err := stream.CloseSend(); err != nil {
		return RunResult{}, err
	}

	put, err := stream.Recv()
	if err != nil {
		return RunResult{}, fmt.Errorf("pass failed: %w", err)
	}
	return DecodeResult(put.GetAppMetadata())
}

// DoPut sends a RecordBatch to the given dataset path.
func (c *FlightClient) DoPut(ctx context.Context, path []string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: path})

	if err := writer.Write(record); err != nil {
		writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// Drain acknowledgements until the server ends the call.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Forward sends every block of a record set to <dataset>/<block>.
func (c *FlightClient) Forward(ctx context.Context, dataset string, rs *assembler.RecordSet) error {
	if err := c.DoPut(ctx, []string{dataset, rs.Jets.Name}, rs.Jets.Record); err != nil {
		return fmt.Errorf("failed to forward %s: %w", rs.Jets.Name, err)
	}
	recordsSent.WithLabelValues("output").Inc()
	if rs.Tracks != nil {
		if err := c.DoPut(ctx, []string{dataset, rs.Tracks.Name}, rs.Tracks.Record); err != nil {
			return fmt.Errorf("failed to forward %s: %w", rs.Tracks.Name, err)
		}
		recordsSent.WithLabelValues("output").Inc()
	}
	return nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
