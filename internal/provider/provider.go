// Package provider talks to the compute provisioning API that owns the GPU
// instances behind each session.
package provider

import (
	"context"
	"errors"

	"deskmeter/internal/model"
)

var ErrInstanceNotFound = errors.New("instance not found")

type InstanceState string

const (
	StateStarting   InstanceState = "Starting"
	StateRunning    InstanceState = "Running"
	StateStopping   InstanceState = "Stopping"
	StateStopped    InstanceState = "Stopped"
	StateTerminated InstanceState = "Terminated"
)

// Instance is what the provider reports about a machine. Credential is the
// login password exactly as issued by the provider.
type Instance struct {
	ID         string
	Name       string
	State      InstanceState
	IP         string
	Credential string
}

type Provider interface {
	CreateInstance(ctx context.Context, spec model.InstanceSpec) (*Instance, error)
	// StartInstance returns the refreshed connection details; IP and credential
	// may rotate on every start.
	StartInstance(ctx context.Context, instanceID string) (*Instance, error)
	StopInstance(ctx context.Context, instanceID string) error
	TerminateInstance(ctx context.Context, instanceID string) error
	// DescribeInstance returns ErrInstanceNotFound once the instance is gone.
	DescribeInstance(ctx context.Context, instanceID string) (*Instance, error)
	// FindInstanceByName returns the live instance created under name, or
	// ErrInstanceNotFound.
	FindInstanceByName(ctx context.Context, name string) (*Instance, error)
}
