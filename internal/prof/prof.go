// Package prof runs the optional Pyroscope continuous profiler.
package prof

import (
	"context"
	"fmt"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/mdembed/internal/log"
	"github.com/keithlinneman/mdembed/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	BasicAuthUser string
	BasicAuthPass string
	TenantID      string
	Tags          map[string]string
	// Mutex and block profiles are only collected when these are > 0.
	ProfileMutexFraction int
	BlockProfileRate     int
}

// baseProfiles are always collected. CPU and allocations cover the render
// and sanitize hot paths; goroutines show stuck upstream calls.
var baseProfiles = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
}

func profileTypes(opts Options) []pyroscope.ProfileType {
	types := append([]pyroscope.ProfileType(nil), baseProfiles...)
	if opts.ProfileMutexFraction > 0 {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if opts.BlockProfileRate > 0 {
		types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return types
}

// agentLogger routes the agent's printf logging into ours. Its info output
// is chatty, so it goes to debug.
type agentLogger struct {
	ctx context.Context
	L   log.Logger
}

func (a agentLogger) Infof(f string, args ...any)  { a.L.Debug(a.ctx, fmt.Sprintf(f, args...)) }
func (a agentLogger) Debugf(f string, args ...any) { a.L.Debug(a.ctx, fmt.Sprintf(f, args...)) }
func (a agentLogger) Errorf(f string, args ...any) { a.L.Warn(a.ctx, fmt.Sprintf(f, args...)) }

// Start begins profiling when enabled. The returned stop func is never nil.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx).With("component", "pyroscope")
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}
	if opts.ServerAddress == "" {
		err := xerrors.New("pyroscope enabled without a server address")
		L.Error(ctx, err, "pyroscope options")
		return noop, err
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName:   opts.AppName,
		ServerAddress:     opts.ServerAddress,
		BasicAuthUser:     opts.BasicAuthUser,
		BasicAuthPassword: opts.BasicAuthPass,
		TenantID:          opts.TenantID,
		Tags:              opts.Tags,
		Logger:            agentLogger{ctx: context.WithoutCancel(ctx), L: L},
		ProfileTypes:      profileTypes(opts),
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "server_address", opts.ServerAddress)
		return noop, xerrors.Wrap(err, "start pyroscope")
	}
	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)

	return func() {
		if err := profiler.Stop(); err != nil {
			L.Warn(context.Background(), "pyroscope stop", "error", err)
			return
		}
		L.Info(context.Background(), "pyroscope stopped")
	}, nil
}
