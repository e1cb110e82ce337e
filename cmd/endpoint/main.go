// Command endpoint runs a headless desktop or mobile relay endpoint: it
// connects to a relay server, performs QR-driven pairing when no
// session is persisted yet, and relays encrypted commandproxy frames
// between the two roles. The desktop side additionally runs the
// remote-control FSM that hands input control to a paired mobile.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"studiorelay/commandproxy"
	"studiorelay/config"
	"studiorelay/deviceid"
	"studiorelay/internal/logging"
	"studiorelay/relayclient"
	"studiorelay/remotecontrol"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.json", "Path to configuration file (or '-' for stdin)")
	flag.Parse()

	cfg, err := config.LoadEndpointConfig(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	baseLogger := logging.New(logging.ParseLevel(cfg.NormalisedLevel()), os.Stdout)
	logger := baseLogger.With(map[string]interface{}{"component": "endpoint", "role": cfg.Role})

	store, err := relayclient.OpenSessionStore(cfg.SessionDir)
	if err != nil {
		log.Fatalf("failed to open session store: %v", err)
	}

	role := relayclient.RoleDesktop
	if cfg.Role == "mobile" {
		role = relayclient.RoleMobile
	}
	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID, err = deviceid.LoadOrCreate(cfg.SessionDir)
		if err != nil {
			log.Fatalf("failed to load or create device id: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var fsm *remotecontrol.FSM
	var proxy *commandproxy.Proxy
	var reqClient *commandproxy.RequestClient

	rcCfg := relayclient.Config{
		ServerURL:  cfg.ServerURL,
		Token:      cfg.Token,
		DeviceID:   deviceID,
		DeviceName: cfg.DeviceName,
		Role:       role,
	}

	callbacks := relayclient.Callbacks{}
	var client *relayclient.RelayClient

	callbacks.OnPairingAccepted = func(peerID, peerPublicKeyHex, peerDeviceName string) {
		logger.Info("pairing accepted", map[string]interface{}{"peer": peerID, "peerName": peerDeviceName})
	}
	callbacks.OnPairingRevoked = func(peerID string) {
		logger.Info("pairing revoked", map[string]interface{}{"peer": peerID})
		if fsm != nil {
			fsm.OnPeerOffline(peerID)
		}
	}
	callbacks.OnDeviceOffline = func(peerID string) {
		if fsm != nil {
			fsm.OnPeerOffline(peerID)
		}
	}

	if role == relayclient.RoleDesktop {
		proxy = commandproxy.New(nil) // sender installed below, once client exists
		registerDesktopHandlers(proxy)
		callbacks.OnRelay = func(peerID string, plaintext []byte) {
			proxy.HandleInbound(peerID, plaintext)
		}
		callbacks.OnControlRequest = func(from, deviceName string) {
			if fsm != nil {
				fsm.OnControlRequest(from, deviceName)
			}
		}
	} else {
		reqClient = commandproxy.NewRequestClient(nil, "", func(channel string, data interface{}) {
			logger.Debug("event", map[string]interface{}{"channel": channel})
		})
		callbacks.OnRelay = func(peerID string, plaintext []byte) {
			reqClient.HandleInbound(peerID, plaintext)
		}
		callbacks.OnControlAck = func(from string, accepted bool) {
			logger.Info("control request acknowledged", map[string]interface{}{"from": from, "accepted": accepted})
		}
		callbacks.OnControlRevoked = func(from string) {
			logger.Info("control handed back", map[string]interface{}{"from": from})
		}
	}

	client, err = relayclient.New(rcCfg, store, callbacks, baseLogger.With(map[string]interface{}{"component": "relayclient"}))
	if err != nil {
		log.Fatalf("failed to build relay client: %v", err)
	}

	if role == relayclient.RoleDesktop {
		proxy.SetSender(client)
		fsm = remotecontrol.New(client, func(peerID string) bool {
			_, ok := client.Session(peerID)
			return ok
		}, cfg.AllowRemoteControl, cfg.AutoLockTimeout.Duration)
		fsm.SetUnlockSecret(cfg.UnlockSecret)
	} else if reqClient != nil {
		reqClient.SetSender(client)
		// A prior run may already have a paired desktop on disk; a fresh
		// install claims one via claimPairingFromStdin below instead.
		if existing := store.All(); len(existing) > 0 {
			reqClient.SetTarget(existing[0].DeviceID)
		}
	}

	flow := relayclient.NewPairingFlow(client)

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	if role == relayclient.RoleDesktop && !hasAnySession(store) {
		go offerPairing(ctx, cfg, deviceID, flow, logger)
	} else if role == relayclient.RoleMobile && !hasAnySession(store) {
		go claimPairingFromStdin(ctx, flow, reqClient, logger)
	}

	if role == relayclient.RoleDesktop {
		go runLocalUnlockPrompt(ctx, fsm, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	case err := <-runErr:
		if err != nil && err != context.Canceled {
			logger.Error("relay client exited", map[string]interface{}{"error": err.Error()})
		}
	}

	client.Close()
	logger.Info("endpoint shutdown complete", nil)
}

// registerDesktopHandlers wires the whitelisted commandproxy channels to
// stand-in implementations; a real build replaces these with the
// desktop's actual chat/session/vcs/filesystem integrations.
func registerDesktopHandlers(proxy *commandproxy.Proxy) {
	proxy.Register("app:info", func(from string, args []interface{}) (interface{}, error) {
		return map[string]interface{}{"platform": "endpoint", "version": "dev"}, nil
	})
	proxy.Register("session:list", func(from string, args []interface{}) (interface{}, error) {
		return []interface{}{}, nil
	})
	proxy.Register("session:messages", func(from string, args []interface{}) (interface{}, error) {
		return []interface{}{}, nil
	})
	proxy.Register("vcs:status", func(from string, args []interface{}) (interface{}, error) {
		return nil, fmt.Errorf("not a repository")
	})
	proxy.Register("fs:search", func(from string, args []interface{}) (interface{}, error) {
		return []interface{}{}, nil
	})
	proxy.Register("claude:spawn", func(from string, args []interface{}) (interface{}, error) {
		return nil, fmt.Errorf("spawn not wired")
	})
	proxy.Register("claude:send", func(from string, args []interface{}) (interface{}, error) {
		return nil, fmt.Errorf("no active process")
	})
	proxy.Register("claude:kill", func(from string, args []interface{}) (interface{}, error) {
		return nil, fmt.Errorf("no active process")
	})
}

func hasAnySession(store *relayclient.SessionStore) bool {
	return len(store.All()) > 0
}

func offerPairing(ctx context.Context, cfg *config.EndpointConfig, deviceID string, flow *relayclient.PairingFlow, logger *logging.Logger) {
	time.Sleep(500 * time.Millisecond) // let the first connection establish
	payload, err := flow.BeginDesktopOffer(cfg.ServerURL, cfg.Token, deviceID)
	if err != nil {
		logger.Error("failed to begin pairing offer", map[string]interface{}{"error": err.Error()})
		return
	}
	encoded, err := relayclient.EncodeQRPayload(payload)
	if err != nil {
		logger.Error("failed to encode pairing qr payload", map[string]interface{}{"error": err.Error()})
		return
	}
	fmt.Println("Scan this payload with the mobile endpoint to pair:")
	fmt.Println(string(encoded))
}

func claimPairingFromStdin(ctx context.Context, flow *relayclient.PairingFlow, reqClient *commandproxy.RequestClient, logger *logging.Logger) {
	fmt.Println("Paste the desktop's pairing payload and press enter:")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return
	}
	line := strings.TrimSpace(scanner.Text())
	if line == "" {
		return
	}
	payload, err := relayclient.DecodeQRPayload([]byte(line))
	if err != nil {
		logger.Error("failed to decode pairing payload", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := flow.ClaimFromQR(payload); err != nil {
		logger.Error("failed to claim pairing", map[string]interface{}{"error": err.Error()})
		return
	}
	if reqClient != nil {
		reqClient.SetTarget(payload.DesktopDeviceID)
	}
}

func runLocalUnlockPrompt(ctx context.Context, fsm *remotecontrol.FSM, logger *logging.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !fsm.IsLocked() {
			continue
		}
		secret := strings.TrimSpace(scanner.Text())
		if fsm.TryUnlock(secret) {
			logger.Info("unlocked from local input", nil)
		}
	}
}
