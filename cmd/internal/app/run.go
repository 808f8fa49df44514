package app

import "context"

// Run builds an App, serves diagnostics when configured and runs body until it
// returns or ctx ends. The session is closed before Run returns.
func Run(ctx context.Context, cfg Config, log Logger, body func(ctx context.Context, a *App) error, opts ...Option) error {
	a, err := New(cfg, log, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	diag := make(chan error, 1)
	go func() { diag <- a.ServeDiagnostics(ctx) }()

	err = body(ctx, a)

	a.Close()
	cancel()
	if derr := <-diag; err == nil {
		err = derr
	}
	return err
}
