package main

import (
	"context"

	"github.com/hamba/cmd"
	"gopkg.in/urfave/cli.v2"

	"github.com/hamba/pogo"
)

func runAgent(c *cli.Context) error {
	ctx, err := cmd.NewContext(c)
	if err != nil {
		return newUsageError("cmd/pogo: build context", err)
	}

	fc, err := loadFileConfig(c.String(flagConfig))
	if err != nil {
		return err
	}

	raftCfg, err := newRaftConfig(c, fc)
	if err != nil {
		return err
	}
	raftCfg.Logger = ctx.Logger()

	store, agent, err := pogo.NewRaftCoordStore(raftCfg)
	if err != nil {
		return newUnavailableError("cmd/pogo: start raft coordination store", err)
	}
	defer agent.Close()

	join := c.StringSlice(flagJoin)
	if len(join) == 0 {
		join = fc.Join
	}
	if len(join) > 0 {
		if _, err := agent.Join(join); err != nil {
			return newUnavailableError("cmd/pogo: join fleet", err)
		}
	}

	workerLn, err := newWorkerListener(c, fc)
	if err != nil {
		return err
	}

	hostname := firstNonEmpty(raftCfg.Name, raftCfg.ID)

	dispatcher, err := pogo.New(pogo.Config{
		Store:          store,
		Hostname:       hostname,
		Logger:         ctx.Logger(),
		WorkerListener: workerLn,
	})
	if err != nil {
		return newUnavailableError("cmd/pogo: assemble dispatcher", err)
	}

	bind := firstNonEmpty(c.String(flagBind), fc.Bind, "0.0.0.0:8080")
	httpSrv := newHTTPServer(bind, dispatcher.Handler())

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- dispatcher.Run(runCtx)
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil {
			ctx.Logger().Error("cmd/pogo: http server stopped", "error", err)
		}
	}()

	<-cmd.WaitForSignals()

	cancel()
	_ = httpSrv.Close()
	<-done

	return agent.Leave()
}
