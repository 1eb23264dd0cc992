// Command teleop-core runs the vehicle-side teleoperation control plane:
// it dials the signaling server, negotiates a WebRTC data-channel session,
// integrates the commanded vehicle state at a fixed rate, and publishes
// state frames back to the operator.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shota866/teleop-core/internal/config"
	"github.com/shota866/teleop-core/internal/diag"
	"github.com/shota866/teleop-core/internal/intake"
	"github.com/shota866/teleop-core/internal/liveness"
	"github.com/shota866/teleop-core/internal/protocol"
	"github.com/shota866/teleop-core/internal/publisher"
	"github.com/shota866/teleop-core/internal/transport"
	"github.com/shota866/teleop-core/internal/vehicle"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	if len(cfg.SignalingURLs) == 0 {
		log.Fatalf("[config] no signaling urls configured (set -signaling-urls or SORA_SIGNALING_URL)")
	}

	in := intake.New()
	integrator := vehicle.New(in)
	lv := liveness.New(integrator)
	pub := publisher.New(integrator, lv)

	sess := transport.New(transport.Config{
		SignalingURLs: cfg.SignalingURLs,
		ChannelID:     cfg.ChannelID,
		Metadata:      cfg.Metadata,
		CtrlLabel:     cfg.CtrlLabel,
		StateLabel:    cfg.StateLabel,
	})
	sess.SetOnCtrl(in.HandleCtrl)
	sess.SetOnHeartbeat(func(raw []byte) {
		var hb protocol.HBFrame
		if err := protocol.Unmarshal(raw, &hb); err != nil {
			slog.Warn("hb frame malformed", "err", err)
			return
		}
		lv.OnHeartbeat(hb)
	})
	sess.SetOnEstop(func(raw []byte) {
		var es protocol.EstopFrame
		if err := protocol.Unmarshal(raw, &es); err != nil {
			slog.Warn("estop frame malformed", "err", err)
			return
		}
		lv.OnEstop(es)
	})
	sess.SetOnStateUp(func() { slog.Info("transport up") })
	sess.SetOnStateDown(func() { slog.Info("transport down") })

	if cfg.EstopAtStartup {
		lv.TriggerLocalEstop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down...")
		cancel()
	}()

	sess.Start(ctx)
	defer sess.Stop()

	go runPhysicsLoop(ctx, integrator)
	go pub.Run(ctx, sess, cfg.StateLabel)
	go lv.RunHeartbeatLoop(ctx, sess, cfg.StateLabel)
	go lv.RunStatsLoop(ctx, func() (accepted, dropped int64) {
		s := in.Stats()
		return s.Accepted, s.Dropped
	})

	if cfg.DiagAddr != "" {
		diagServer := diag.New(sess, integrator, lv, pub)
		go func() {
			if err := diagServer.Run(ctx, cfg.DiagAddr); err != nil {
				slog.Error("diagnostics server", "err", err)
			}
		}()
		slog.Info("diagnostics listening", "addr", cfg.DiagAddr)
	}

	<-ctx.Done()
}

// runPhysicsLoop advances the vehicle model at vehicle.PhysicsHz until ctx
// is canceled.
func runPhysicsLoop(ctx context.Context, integrator *vehicle.Integrator) {
	period := time.Second / time.Duration(vehicle.PhysicsHz)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			integrator.Step(time.Now())
		}
	}
}
