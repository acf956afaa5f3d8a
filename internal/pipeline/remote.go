package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-salt/internal/client"
)

// ErrPathNotAllowed rejects a remote request path outside its root.
var ErrPathNotAllowed = errors.New("path not allowed")

// RunRemote runs a request received over the network. Its paths are
// resolved with Confine first.
func (r *Runner) RunRemote(ctx context.Context, req client.RunRequest, reader BatchReader) (client.RunResult, error) {
	confined, err := r.Confine(req)
	if err != nil {
		return client.RunResult{}, err
	}
	return r.Run(ctx, confined, reader)
}

// Confine resolves the paths of a remote request inside the configured
// roots. Request paths must be relative and stay below their root:
// source below server.source_root, checkpoint below the checkpoint
// directory and output below output.dir, or the checkpoint's directory
// when output.dir is unset.
func (r *Runner) Confine(req client.RunRequest) (client.RunRequest, error) {
	var err error
	if req.Source == "" {
		return client.RunRequest{}, fmt.Errorf("%w: run request has no source", ErrPathNotAllowed)
	}
	if req.Source, err = within(r.cfg.Server.SourceRoot, req.Source, "source"); err != nil {
		return client.RunRequest{}, err
	}
	if req.Checkpoint, err = within(r.checkpointRoot(), req.Checkpoint, "checkpoint"); err != nil {
		return client.RunRequest{}, err
	}
	if strings.ContainsAny(req.Sample, `/\`) {
		return client.RunRequest{}, fmt.Errorf("%w: sample %q contains a path separator", ErrPathNotAllowed, req.Sample)
	}
	if req.Output == "" {
		return req, nil
	}

	root := r.cfg.Output.Dir
	if root == "" {
		ckpt, err := r.cfg.ResolveCheckpoint(req.Checkpoint)
		if err != nil {
			return client.RunRequest{}, fmt.Errorf("%w: no output root: %w", ErrPathNotAllowed, err)
		}
		root = filepath.Dir(ckpt)
	}
	if req.Output, err = within(root, req.Output, "output"); err != nil {
		return client.RunRequest{}, err
	}
	return req, nil
}

func (r *Runner) checkpointRoot() string {
	if r.cfg.Checkpoint != "" {
		return filepath.Dir(r.cfg.Checkpoint)
	}
	if r.cfg.Dir != "" {
		return filepath.Join(r.cfg.Dir, "ckpts")
	}
	return ""
}

func within(root, rel, what string) (string, error) {
	if rel == "" {
		return "", nil
	}
	if root == "" {
		return "", fmt.Errorf("%w: %s paths are not accepted without a configured root", ErrPathNotAllowed, what)
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %s %q must be relative and stay inside its root", ErrPathNotAllowed, what, rel)
	}
	return filepath.Join(root, rel), nil
}
