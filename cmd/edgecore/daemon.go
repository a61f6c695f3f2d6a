package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/edgecore/device/internal/certstore"
	"github.com/edgecore/device/internal/clsm"
	"github.com/edgecore/device/internal/config"
	"github.com/edgecore/device/internal/cryptosigner"
	"github.com/edgecore/device/internal/csr"
	"github.com/edgecore/device/internal/health"
	"github.com/edgecore/device/internal/logging"
	"github.com/edgecore/device/internal/mqttframing"
	"github.com/edgecore/device/internal/puw"
	"github.com/edgecore/device/internal/schemavalidation"
	"github.com/edgecore/device/internal/seal"
	"github.com/edgecore/device/internal/slotreg"
	"github.com/edgecore/device/internal/timesource"
	"github.com/edgecore/device/internal/workflow"
)

// Daemon wires every internal package into one running edgecore process:
// one Seal-backed secure element, one CLSM deciding which identity backs
// the MQTT transport, and the PUW/CSR workflows that renew it.
type Daemon struct {
	cfgLoader *config.Loader

	logger *logging.Logger
	audit  *logging.AuditLogger

	sealElement seal.Element
	sealCloser  func() error
	seal        *seal.Seal

	time      timesource.Source
	timeCloser func() error

	identity deviceIdentity

	clsm      *clsm.Manager
	signer    *cryptosigner.Driver
	csrBuilder *csr.Builder
	validator *schemavalidation.Validator
	puw       *puw.Workflow
	guard     *workflow.Guard
	health    *health.Checker

	mu         sync.Mutex
	cfg        *config.Config
	mqttClient paho.Client
	publisher  *mqttframing.Publisher
	router     *mqttframing.Router
	tlsHandle  cryptosigner.Handle

	healthSrv *http.Server
}

// deviceIdentity is the decoded FactoryUid blob: the raw bytes read once at boot and the CommonName they must
// match in an installed Device certificate.
type deviceIdentity struct {
	raw []byte
	cn  string
}

// NewDaemon constructs and wires a Daemon from the config file at
// configPath (the default path when empty).
func NewDaemon(configPath string) (*Daemon, error) {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("edgecore: load config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("edgecore: ensure directories: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	logger, err := logging.New(&logging.Config{
		Level:      level,
		Format:     formatFromString(cfg.Logging.Format),
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Component:  "edgecore",
	})
	if err != nil {
		return nil, fmt.Errorf("edgecore: init logging: %w", err)
	}
	logging.SetDefault(logger)

	auditCfg := logging.DefaultAuditConfig()
	auditCfg.FilePath = cfg.Logging.AuditLogPath
	audit, err := logging.NewAuditLogger(auditCfg)
	if err != nil {
		return nil, fmt.Errorf("edgecore: init audit log: %w", err)
	}
	logging.SetDefaultAuditLogger(audit)

	element, sealCloser, err := newSealElement(cfg.Seal)
	if err != nil {
		return nil, fmt.Errorf("edgecore: init seal backend: %w", err)
	}
	s := seal.New(element)

	ts, tsCloser := newTimeSource()

	ctx := context.Background()
	uid, status, err := s.ReadData(ctx, slotreg.SlotFactoryUID)
	if err != nil {
		sealCloser()
		return nil, fmt.Errorf("edgecore: read factory UID: %w", err)
	}
	if status != seal.StatusOk {
		sealCloser()
		return nil, fmt.Errorf("edgecore: read factory UID: %s", status)
	}
	identity := deviceIdentity{raw: uid, cn: string(uid)}

	matcher := clsm.IdentityMatcher(func(subjectCN string) bool {
		return subjectCN == identity.cn
	})
	m := clsm.New(s, ts, matcher, clsm.Policy{AutoOnFallback: cfg.CLSM.AutoOnFallback})

	signer := cryptosigner.New(s)
	csrBuilder := csr.New(s)

	validator, err := schemavalidation.New()
	if err != nil {
		sealCloser()
		return nil, fmt.Errorf("edgecore: compile schemas: %w", err)
	}

	puwWF := puw.New(s, validator, m)
	guard := workflow.New()
	checker := health.NewChecker()

	d := &Daemon{
		cfgLoader:  loader,
		logger:     logger,
		audit:      audit,
		sealElement: element,
		sealCloser: sealCloser,
		seal:       s,
		time:       ts,
		timeCloser: tsCloser,
		identity:   identity,
		clsm:       m,
		signer:     signer,
		csrBuilder: csrBuilder,
		validator:  validator,
		puw:        puwWF,
		guard:      guard,
		health:     checker,
		cfg:        cfg,
		tlsHandle:  -1,
	}
	d.registerHealthChecks()

	loader.OnChange(d.applyConfigChange)
	if err := loader.Watch(); err != nil {
		logger.WithComponent("config").Warn("config hot-reload watch failed, edits require a restart", "error", err)
	}

	return d, nil
}

func formatFromString(s string) logging.Format {
	if s == "json" {
		return logging.FormatJSON
	}
	return logging.FormatText
}

// registerHealthChecks wires the liveness/readiness surface to this
// daemon's own state.
func (d *Daemon) registerHealthChecks() {
	d.health.Register(&health.Component{
		Name:     "seal",
		Critical: true,
		Timeout:  5 * time.Second,
		Check: health.SealCheck(func(ctx context.Context) error {
			_, status, err := d.seal.ReadData(ctx, slotreg.SlotFactoryUID)
			if err != nil {
				return err
			}
			return status.Err()
		}),
	})
	d.health.Register(&health.Component{
		Name:     "mqtt",
		Critical: false,
		Check: health.MQTTCheck(func() bool {
			d.mu.Lock()
			c := d.mqttClient
			d.mu.Unlock()
			return c != nil && c.IsConnected()
		}),
	})
	d.health.Register(&health.Component{
		Name:     "certificate",
		Critical: false,
		Check: health.CertSelectionCheck(func() (string, bool) {
			return d.clsm.LastSelection().String(), d.clsm.FallbackObserved()
		}),
	})
	d.mu.Lock()
	caPath := d.cfg.MQTT.CAPath
	d.mu.Unlock()
	if caPath != "" {
		d.health.Register(&health.Component{
			Name:     "ca_bundle",
			Critical: false,
			Check:    health.FileExistsCheck(caPath),
		})
	}
}

// applyConfigChange is the Loader.OnChange callback. An AutoOnFallback
// change is pushed into CLSM at once and read by the next
// ShouldTriggerRenewal check; MQTT broker changes trigger a reconnect since
// paho.Client has no live-retarget API.
func (d *Daemon) applyConfigChange(newCfg *config.Config) {
	ctx := context.Background()

	d.mu.Lock()
	old := d.cfg
	d.cfg = newCfg
	d.mu.Unlock()

	if old.CLSM.AutoOnFallback != newCfg.CLSM.AutoOnFallback {
		d.clsm.SetAutoOnFallback(newCfg.CLSM.AutoOnFallback)
		d.audit.LogConfigChange(ctx, "clsm.auto_on_fallback",
			fmt.Sprintf("%v", old.CLSM.AutoOnFallback), fmt.Sprintf("%v", newCfg.CLSM.AutoOnFallback))
	}

	if old.MQTT.Host != newCfg.MQTT.Host || old.MQTT.Port != newCfg.MQTT.Port {
		d.audit.LogConfigChange(ctx, "mqtt.broker",
			fmt.Sprintf("%s:%d", old.MQTT.Host, old.MQTT.Port),
			fmt.Sprintf("%s:%d", newCfg.MQTT.Host, newCfg.MQTT.Port))
		d.logger.Info("mqtt broker address changed, reconnecting")
		go d.reconnectMQTT(ctx)
	}
}

// connectMQTT runs a CLSM selection pass, binds the winning identity's key
// to a cryptosigner handle and establishes the mutual-TLS MQTT connection
// the rest of the daemon publishes/subscribes over.
func (d *Daemon) connectMQTT(ctx context.Context) error {
	sel, err := d.clsm.Select(ctx)
	if err != nil {
		return fmt.Errorf("edgecore: cert selection: %w", err)
	}
	d.audit.LogCertSelected(ctx, sel.String(), "selection pass")
	if d.clsm.FallbackObserved() {
		d.audit.LogFallbackObserved(ctx, "device certificate failed validation")
	}

	der, err := certstore.ReadDER(ctx, d.seal, sel.CertSlot())
	if err != nil {
		return fmt.Errorf("edgecore: read cert slot: %w", err)
	}

	d.mu.Lock()
	if d.tlsHandle >= 0 {
		d.signer.Destroy(d.tlsHandle)
		d.tlsHandle = -1
	}
	d.mu.Unlock()

	handle, err := d.signer.Allocate(ctx, sel.KeySlot(), false)
	if err != nil {
		return fmt.Errorf("edgecore: allocate signing handle: %w", err)
	}
	d.mu.Lock()
	d.tlsHandle = handle
	cfg := d.cfg
	d.mu.Unlock()

	tlsSigner := cryptosigner.NewTLSSigner(context.Background(), d.signer, handle)
	tlsCert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  tlsSigner,
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.MQTT.CAPath != "" {
		pem, err := os.ReadFile(cfg.MQTT.CAPath)
		if err != nil {
			return fmt.Errorf("edgecore: read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return fmt.Errorf("edgecore: CA bundle %s contains no usable certificates", cfg.MQTT.CAPath)
		}
		tlsConfig.RootCAs = pool
	}

	broker := fmt.Sprintf("ssl://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)
	clientID := fmt.Sprintf("%s-%s", cfg.MQTT.ClientIDPrefix, d.identity.cn)

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetTLSConfig(tlsConfig).
		SetCleanSession(cfg.MQTT.CleanSession).
		SetKeepAlive(time.Duration(cfg.MQTT.KeepAliveSec) * time.Second).
		SetConnectTimeout(time.Duration(cfg.MQTT.ConnectTimeoutSec) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.MQTT.MaxReconnectIntervalSec) * time.Second).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(paho.Client) {
			d.audit.LogMQTTConnected(context.Background(), broker)
			d.subscribeAll()
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			d.audit.LogMQTTDisconnected(context.Background(), broker, err)
		})

	router := mqttframing.NewRouter(d.handleCommand)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(time.Duration(cfg.MQTT.ConnectTimeoutSec) * time.Second) {
		return fmt.Errorf("edgecore: mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("edgecore: mqtt connect: %w", err)
	}

	d.mu.Lock()
	d.mqttClient = client
	d.router = router
	d.publisher = mqttframing.NewPublisher(client, cfg.MQTT.TopicRoot, cfg.MQTT.QoS)
	d.mu.Unlock()

	return nil
}

// subscribeAll subscribes every inbound command suffix under this device's
// topic root.
func (d *Daemon) subscribeAll() {
	d.mu.Lock()
	client := d.mqttClient
	root := d.cfg.MQTT.TopicRoot
	qos := d.cfg.MQTT.QoS
	router := d.router
	d.mu.Unlock()
	if client == nil || router == nil {
		return
	}

	suffixes := []string{
		mqttframing.SuffixProtectedUpdate,
		mqttframing.SuffixCertificate,
		mqttframing.SuffixCheckCertResponse,
		mqttframing.SuffixUploadCertResponse,
		mqttframing.SuffixSyncCertResponse,
	}
	for _, suffix := range suffixes {
		topic := root + suffix
		if token := client.Subscribe(topic, qos, router.MessageHandler()); token.Wait() && token.Error() != nil {
			d.logger.Error("mqtt subscribe failed", "topic", topic, "error", token.Error())
		}
	}
}

// reconnectMQTT tears down and re-establishes the MQTT connection, used
// after a config hot-reload changes the broker address.
func (d *Daemon) reconnectMQTT(ctx context.Context) {
	d.mu.Lock()
	client := d.mqttClient
	d.mqttClient = nil
	d.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	if err := d.connectMQTT(ctx); err != nil {
		d.logger.Error("mqtt reconnect failed", "error", err)
		d.audit.LogError(ctx, "mqtt_reconnect", err, nil)
	}
}

// handleCommand is the mqttframing.Handler dispatched to for every routed
// inbound command. It never blocks the MQTT receive loop on SEAL work:
// protected-update bundles run on their own goroutine behind the workflow
// Guard.
func (d *Daemon) handleCommand(cmd mqttframing.Command) {
	ctx := context.Background()
	switch cmd.Kind {
	case mqttframing.CommandProtectedUpdate:
		go d.runPUW(ctx, cmd.Payload)
	case mqttframing.CommandCertificate:
		go d.installCertificate(ctx, cmd.Payload)
	case mqttframing.CommandCheckCertificateResponse,
		mqttframing.CommandUploadCertificateResponse,
		mqttframing.CommandSyncCertificateResponse:
		d.logger.Info("certificate service response received", "kind", cmd.Kind.String(), "topic", cmd.Topic)
	default:
		d.logger.Warn("unroutable command kind", "kind", int(cmd.Kind), "topic", cmd.Topic)
	}
}

// runPUW drives the Protected-Update Workflow for one bundle, serialised
// against CSR issuance by the workflow Guard.
func (d *Daemon) runPUW(ctx context.Context, payload []byte) {
	defer logging.RecoverPanicWith(map[string]interface{}{"op": "puw_run"})

	release, err := d.guard.TryEnter("puw")
	if err != nil {
		d.logger.Warn("protected update rejected, workflow busy", "active", d.guard.Active())
		return
	}
	defer release()

	fragmentCount := peekFragmentCount(payload)

	if err := d.puw.Run(ctx, payload); err != nil {
		var merr *puw.ManifestError
		if errors.As(err, &merr) {
			d.audit.LogManifestRejected(ctx, merr.Status.String(), merr.AnchorObjectType, uint8(merr.AnchorExecuteAccess), uint8(merr.AnchorChangeAccess))
		} else {
			d.audit.LogError(ctx, "puw_run", err, nil)
		}
		d.logger.Error("protected update failed", "error", err)
		return
	}

	d.audit.LogPUWCompleted(ctx, fragmentCount)
	d.logger.Info("protected update completed", "fragments", fragmentCount)

	if err := d.connectMQTT(ctx); err != nil {
		d.logger.Error("reconnect after protected update failed", "error", err)
	}
}

// peekFragmentCount extracts the bundle's declared fragment_count for audit
// logging without re-running full schema validation (puw.Workflow.Run
// already does that authoritatively).
func peekFragmentCount(raw []byte) int {
	var peek struct {
		FragmentCount int `json:"fragment_count"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return 0
	}
	return peek.FragmentCount
}

// installCertificate validates and installs a Device certificate delivered
// out-of-band of PUW, serialised against PUW and CSR issuance by the same
// Guard.
func (d *Daemon) installCertificate(ctx context.Context, payload []byte) {
	defer logging.RecoverPanicWith(map[string]interface{}{"op": "install_certificate"})

	release, err := d.guard.TryEnter("install")
	if err != nil {
		d.logger.Warn("certificate install rejected, workflow busy", "active", d.guard.Active())
		return
	}
	defer release()

	der, err := certstore.PEMToDER(string(payload))
	if err != nil {
		der = payload
	}
	if _, err := certstore.Parse(der); err != nil {
		d.audit.LogError(ctx, "install_certificate", err, nil)
		d.logger.Error("certificate install rejected, unparseable", "error", err)
		return
	}

	if err := d.clsm.Install(ctx, der); err != nil {
		d.audit.LogError(ctx, "install_certificate", err, nil)
		d.logger.Error("certificate install failed", "error", err)
		return
	}

	d.logger.Info("device certificate installed")
	if err := d.connectMQTT(ctx); err != nil {
		d.logger.Error("reconnect after certificate install failed", "error", err)
	}
}

// requestRenewal issues a fresh Device CSR and publishes it, guarded
// against a concurrent PUW run.
func (d *Daemon) requestRenewal(ctx context.Context) error {
	release, err := d.guard.TryEnter("csr")
	if err != nil {
		return err
	}
	defer release()

	d.clsm.BeginRenewal()
	d.audit.LogRenewalStarted(ctx, "device_key")

	pemCSR, err := d.csrBuilder.Build(ctx, slotreg.SlotDeviceKey, fmt.Sprintf("CN=%s", d.identity.cn))
	if err != nil {
		d.audit.LogRenewalCompleted(ctx, "device_key", false, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("edgecore: build csr: %w", err)
	}

	d.mu.Lock()
	pub := d.publisher
	d.mu.Unlock()
	if pub == nil {
		return fmt.Errorf("edgecore: mqtt not connected")
	}
	if err := pub.PublishCSR([]byte(pemCSR)); err != nil {
		d.audit.LogRenewalCompleted(ctx, "device_key", false, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("edgecore: publish csr: %w", err)
	}

	d.audit.LogRenewalCompleted(ctx, "device_key", true, nil)
	return nil
}

// serveHealth starts the liveness/readiness HTTP listener, returning once
// the listener is bound (or immediately if ListenAddr is empty, disabling
// it entirely).
func (d *Daemon) serveHealth() error {
	d.mu.Lock()
	addr := d.cfg.Health.ListenAddr
	d.mu.Unlock()
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/livez", d.health.LivenessHandler())
	mux.Handle("/readyz", d.health.ReadinessHandler())
	mux.Handle("/healthz", d.health.HealthHandler())

	d.healthSrv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := d.healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("health listener stopped", "error", err)
		}
	}()
	return nil
}

// Run is the daemon's main loop: it connects MQTT, starts the health
// listener, and runs an AutoOnFallback-driven renewal check on a ticker
// until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	d.audit.LogStartup(ctx, Version, nil)
	d.health.SetReady(false)

	if err := d.connectMQTT(ctx); err != nil {
		d.logger.Error("initial mqtt connect failed, will retry on ticker", "error", err)
	}
	if err := d.serveHealth(); err != nil {
		return err
	}
	d.health.SetReady(true)

	d.mu.Lock()
	interval := time.Duration(d.cfg.Health.IntervalSec) * time.Second
	d.mu.Unlock()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.audit.LogShutdown(ctx, "context cancelled")
			return nil
		case <-ticker.C:
			d.health.Check(ctx)
			d.mu.Lock()
			connected := d.mqttClient != nil && d.mqttClient.IsConnected()
			d.mu.Unlock()
			if !connected {
				if err := d.connectMQTT(ctx); err != nil {
					d.logger.Warn("mqtt reconnect attempt failed", "error", err)
				}
				continue
			}
			if d.clsm.ShouldTriggerRenewal() {
				if err := d.requestRenewal(ctx); err != nil {
					d.logger.Warn("automatic renewal request failed", "error", err)
				}
			}
		}
	}
}

// Close releases every resource NewDaemon acquired.
func (d *Daemon) Close() error {
	d.mu.Lock()
	client := d.mqttClient
	healthSrv := d.healthSrv
	d.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	if healthSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		healthSrv.Shutdown(shutdownCtx)
	}
	if err := d.cfgLoader.Close(); err != nil {
		d.logger.Warn("config loader close failed", "error", err)
	}

	var firstErr error
	if err := d.timeCloser(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.sealCloser(); err != nil && firstErr == nil {
		firstErr = err
	}
	d.audit.Close()
	d.logger.Close()
	return firstErr
}
