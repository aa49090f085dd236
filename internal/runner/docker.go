// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// containerWorkdir is where the workspace checkout is mounted inside
// step containers.
const containerWorkdir = "/workspace"

// dockerExecutor runs step commands in throwaway containers with the
// workspace bind-mounted. Each step gets a fresh container; nothing is
// reused across steps.
type dockerExecutor struct {
	docker       *client.Client
	defaultImage string
	stopWait     time.Duration
}

func newDockerExecutor(dockerHost, defaultImage string, stopWait time.Duration) (*dockerExecutor, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	} else {
		opts = append(opts, client.FromEnv)
	}
	dockerClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &dockerExecutor{
		docker:       dockerClient,
		defaultImage: defaultImage,
		stopWait:     stopWait,
	}, nil
}

func (d *dockerExecutor) Run(ctx context.Context, spec execSpec, stdout, stderr *logBatcher) (int, error) {
	img := spec.Image
	if img == "" {
		img = d.defaultImage
	}
	if err := d.ensureImage(ctx, img); err != nil {
		return -1, err
	}

	resp, err := d.docker.ContainerCreate(ctx, &container.Config{
		Image:      img,
		Cmd:        []string{"/bin/sh", "-c", spec.Command},
		WorkingDir: containerWorkdir,
		Env:        envMapToSlice(spec.Env),
		Labels:     map[string]string{"lazyaf.role": "step"},
	}, &container.HostConfig{
		Binds: []string{spec.Dir + ":" + containerWorkdir},
	}, nil, nil, "")
	if err != nil {
		return -1, fmt.Errorf("failed to create container: %w", err)
	}
	containerID := resp.ID
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.docker.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			getLog().Warn().Err(err).Str("container_id", containerID).Msg("container cleanup failed")
		}
	}()

	if err := d.docker.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("failed to start container: %w", err)
	}

	logs, err := d.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to attach container logs: %w", err)
	}

	outW := newLineWriter(stdout)
	errW := newLineWriter(stderr)
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		defer logs.Close()
		defer outW.Close()
		defer errW.Close()
		if _, err := stdcopy.StdCopy(outW, errW, logs); err != nil && ctx.Err() == nil {
			getLog().Warn().Err(err).Str("container_id", containerID).Msg("log demux ended early")
		}
	}()

	statusCh, errCh := d.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		<-copyDone
		if status.Error != nil {
			return -1, fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		d.stopContainer(containerID)
		<-copyDone
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("container wait failed: %w", err)
	case <-ctx.Done():
		d.stopContainer(containerID)
		<-copyDone
		return -1, ctx.Err()
	}
}

// ensureImage pulls the image if it is not present locally.
func (d *dockerExecutor) ensureImage(ctx context.Context, img string) error {
	if _, err := d.docker.ImageInspect(ctx, img); err == nil {
		return nil
	}
	reader, err := d.docker.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	defer reader.Close()
	// Drain the pull progress; the daemon aborts the pull otherwise.
	_, err = io.Copy(io.Discard, reader)
	return err
}

// stopContainer stops with the configured grace period, detached from
// the step context which may already be cancelled.
func (d *dockerExecutor) stopContainer(containerID string) {
	stopCtx, cancel := context.WithTimeout(context.Background(), d.stopWait+15*time.Second)
	defer cancel()
	seconds := int(d.stopWait.Seconds())
	if err := d.docker.ContainerStop(stopCtx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		getLog().Warn().Err(err).Str("container_id", containerID).Msg("container stop failed")
	}
}

// Close closes the docker client connection.
func (d *dockerExecutor) Close() error {
	return d.docker.Close()
}
