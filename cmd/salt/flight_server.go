package main

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-salt/internal/assembler"
	"github.com/23skdu/longbow-salt/internal/client"
	"github.com/23skdu/longbow-salt/internal/pipeline"
)

// SaltFlightServer runs one evaluation pass per DoPut call. The descriptor
// command holds the CBOR encoded run request and the result is returned
// as the put result metadata.
type SaltFlightServer struct {
	flight.BaseFlightServer
	runner *pipeline.Runner
	alloc  memory.Allocator
}

func NewSaltFlightServer(runner *pipeline.Runner) *SaltFlightServer {
	return &SaltFlightServer{
		runner: runner,
		alloc:  memory.NewGoAllocator(),
	}
}

func (s *SaltFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	return fmt.Errorf("DoExchange not implemented")
}

func (s *SaltFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	desc := reader.LatestFlightDescriptor()
	if desc == nil || desc.GetType() != flight.DescriptorCMD {
		return status.Error(codes.InvalidArgument, "expected a command descriptor holding a run request")
	}
	req, err := client.DecodeRequest(desc.GetCmd())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	res, err := s.runner.RunRemote(stream.Context(), req, reader)
	if err != nil {
		log.Error().Err(err).Str("source", req.Source).Msg("Evaluation pass failed")
		code := codes.Internal
		switch {
		case errors.Is(err, pipeline.ErrPathNotAllowed):
			code = codes.InvalidArgument
		case errors.Is(err, assembler.ErrConfig), errors.Is(err, assembler.ErrDataConsistency):
			code = codes.FailedPrecondition
		}
		return status.Error(code, err.Error())
	}

	meta, err := client.EncodeResult(res)
	if err != nil {
		return err
	}
	log.Info().Str("session", res.Session).Int("jets", res.Jets).Msg("DoPut pass complete")
	return stream.Send(&flight.PutResult{AppMetadata: meta})
}

func StartFlightServer(addr string, runner *pipeline.Runner) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewSaltFlightServer(runner))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting salt Flight server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
