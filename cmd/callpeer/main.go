// callpeer is a terminal peer for exercising the signaling server: it
// connects under an identity, prints presence, and either dials a peer
// or auto-accepts the first incoming call.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/adapters/rtc"
	"github.com/dkeye/Duet/internal/callsess"
	"github.com/dkeye/Duet/internal/client"
	"github.com/dkeye/Duet/internal/domain"
)

type peerHandler struct {
	machine *callsess.Machine
}

func (h *peerHandler) OnPresence(users []domain.UserID) {
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, string(u))
	}
	log.Info().Strs("online", names).Msg("presence update")
}

func (h *peerHandler) OnEnvelope(ctx context.Context, env domain.Envelope) {
	h.machine.HandleEnvelope(ctx, env)
	if env.Type == domain.MsgInvite && h.machine.State() == callsess.StateRinging {
		log.Info().Str("from", string(env.From)).Msg("incoming call, accepting")
		if err := h.machine.Accept(ctx); err != nil {
			log.Error().Err(err).Msg("accept failed")
		}
	}
}

func (h *peerHandler) OnDisconnect() {
	log.Info().Msg("signaling channel closed")
	h.machine.OnTransportClosed()
}

func main() {
	server := flag.String("server", "ws://localhost:8080", "signaling server URL")
	uid := flag.String("uid", "", "user identity (required)")
	peer := flag.String("call", "", "identity to call; empty to wait for calls")
	ringTimeout := flag.Duration("ring-timeout", 30*time.Second, "give up ringing after this long (0 disables)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if *uid == "" {
		log.Fatal().Msg("-uid is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h := &peerHandler{}
	cl := client.New(domain.UserID(*uid), h, 30*time.Second)

	h.machine = callsess.NewMachine(callsess.Config{
		Self:        domain.UserID(*uid),
		Sender:      cl,
		Media:       rtc.NewFactory(rtc.DefaultWebRTCConfig()),
		RingTimeout: *ringTimeout,
		OnTransition: func(s callsess.State, reason string) {
			ev := log.Info().Str("state", s.String())
			if reason != "" {
				ev = ev.Str("reason", reason)
			}
			ev.Msg("call state")
		},
	})

	if err := cl.Connect(ctx, *server); err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}
	defer cl.Close()

	if *peer != "" {
		if err := h.machine.StartCall(ctx, domain.UserID(*peer)); err != nil {
			log.Fatal().Err(err).Msg("start call failed")
		}
	}

	<-ctx.Done()
	h.machine.EndCall()
	log.Info().Msg("bye")
}
