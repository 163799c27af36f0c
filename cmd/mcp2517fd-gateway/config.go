package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-mcp2517fd/internal/can"
	"github.com/kstaniek/go-mcp2517fd/internal/hw"
	"github.com/kstaniek/go-mcp2517fd/internal/logging"
	"github.com/kstaniek/go-mcp2517fd/internal/mcp2517fd"
)

const envPrefix = "MCP2517FD_GW_"

type appConfig struct {
	configFile string

	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string

	spiPort       string
	spiMaxHz      int
	gpioChip      string
	csLine        int
	intLine       int
	byteTransfers bool

	oscillator   string
	bitRate      int
	tolerancePPM int
	mode         string
	strategy     string
	workerDepth  int
	workerNice   int
	pollInterval time.Duration
	txRoute      string
	txqSize      int
	txFIFOSize   int
	rxFIFOSize   int
	driverTxSize int
	driverRxSize int

	filters []filterSpec
}

// setting binds one configuration value to its flag, environment variable
// and INI key. section is empty for values that cannot come from the file.
type setting struct {
	flag    string
	section string
	key     string
	apply   func(c *appConfig, v string) error
}

func (s setting) env() string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(s.flag, "-", "_"))
}

func str(get func(*appConfig) *string) func(*appConfig, string) error {
	return func(c *appConfig, v string) error { *get(c) = v; return nil }
}

func integer(get func(*appConfig) *int) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		n, err := strconv.ParseInt(v, 0, 64)
		if err != nil {
			return err
		}
		*get(c) = int(n)
		return nil
	}
}

func duration(get func(*appConfig) *time.Duration) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*get(c) = d
		return nil
	}
}

func boolean(get func(*appConfig) *bool) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*get(c) = true
		case "0", "false", "no", "off":
			*get(c) = false
		default:
			return fmt.Errorf("not a boolean: %q", v)
		}
		return nil
	}
}

var settings = []setting{
	{"listen", "", "", str(func(c *appConfig) *string { return &c.listenAddr })},
	{"log-format", "", "", str(func(c *appConfig) *string { return &c.logFormat })},
	{"log-level", "", "", str(func(c *appConfig) *string { return &c.logLevel })},
	{"metrics-addr", "", "", str(func(c *appConfig) *string { return &c.metricsAddr })},
	{"hub-buffer", "", "", integer(func(c *appConfig) *int { return &c.hubBuffer })},
	{"hub-policy", "", "", str(func(c *appConfig) *string { return &c.hubPolicy })},
	{"log-metrics-interval", "", "", duration(func(c *appConfig) *time.Duration { return &c.logMetricsEvery })},
	{"max-clients", "", "", integer(func(c *appConfig) *int { return &c.maxClients })},
	{"handshake-timeout", "", "", duration(func(c *appConfig) *time.Duration { return &c.handshakeTO })},
	{"client-read-timeout", "", "", duration(func(c *appConfig) *time.Duration { return &c.clientReadTO })},
	{"mdns-enable", "", "", boolean(func(c *appConfig) *bool { return &c.mdnsEnable })},
	{"mdns-name", "", "", str(func(c *appConfig) *string { return &c.mdnsName })},

	{"spi-port", "spi", "port", str(func(c *appConfig) *string { return &c.spiPort })},
	{"spi-max-hz", "spi", "max_hz", integer(func(c *appConfig) *int { return &c.spiMaxHz })},
	{"gpio-chip", "spi", "gpiochip", str(func(c *appConfig) *string { return &c.gpioChip })},
	{"cs-line", "spi", "cs_line", integer(func(c *appConfig) *int { return &c.csLine })},
	{"int-line", "spi", "int_line", integer(func(c *appConfig) *int { return &c.intLine })},
	{"spi-byte-transfers", "spi", "byte_transfers", boolean(func(c *appConfig) *bool { return &c.byteTransfers })},

	{"oscillator", "controller", "oscillator", str(func(c *appConfig) *string { return &c.oscillator })},
	{"bitrate", "controller", "bitrate", integer(func(c *appConfig) *int { return &c.bitRate })},
	{"tolerance-ppm", "controller", "tolerance_ppm", integer(func(c *appConfig) *int { return &c.tolerancePPM })},
	{"mode", "controller", "mode", str(func(c *appConfig) *string { return &c.mode })},
	{"strategy", "controller", "strategy", str(func(c *appConfig) *string { return &c.strategy })},
	{"worker-depth", "controller", "worker_depth", integer(func(c *appConfig) *int { return &c.workerDepth })},
	{"worker-nice", "controller", "worker_nice", integer(func(c *appConfig) *int { return &c.workerNice })},
	{"poll-interval", "controller", "poll_interval", duration(func(c *appConfig) *time.Duration { return &c.pollInterval })},
	{"tx-route", "controller", "tx_route", str(func(c *appConfig) *string { return &c.txRoute })},
	{"txq-size", "controller", "txq_size", integer(func(c *appConfig) *int { return &c.txqSize })},
	{"tx-fifo-size", "controller", "tx_fifo_size", integer(func(c *appConfig) *int { return &c.txFIFOSize })},
	{"rx-fifo-size", "controller", "rx_fifo_size", integer(func(c *appConfig) *int { return &c.rxFIFOSize })},
	{"driver-tx-size", "controller", "driver_tx_size", integer(func(c *appConfig) *int { return &c.driverTxSize })},
	{"driver-rx-size", "controller", "driver_rx_size", integer(func(c *appConfig) *int { return &c.driverRxSize })},
}

func defaultConfig() *appConfig {
	return &appConfig{
		listenAddr:   ":20000",
		logFormat:    "text",
		logLevel:     "info",
		hubBuffer:    512,
		hubPolicy:    "drop",
		handshakeTO:  3 * time.Second,
		clientReadTO: 60 * time.Second,

		spiMaxHz: 20_000_000,
		gpioChip: "gpiochip0",
		csLine:   8,
		intLine:  25,

		oscillator:   "40mhz",
		bitRate:      500_000,
		tolerancePPM: mcp2517fd.DefaultTolerancePPM,
		mode:         "normal",
		strategy:     "worker",
		workerDepth:  mcp2517fd.DefaultWorkerDepth,
		workerNice:   -10,
		txRoute:      "fifo",
		txFIFOSize:   32,
		rxFIFOSize:   27,
		driverTxSize: 16,
		driverRxSize: 32,
	}
}

// parseFlags builds the configuration with precedence flag > env > INI file >
// default.
func parseFlags(args []string) (*appConfig, bool, error) {
	cfg := defaultConfig()
	fs := flag.NewFlagSet("mcp2517fd-gateway", flag.ContinueOnError)
	fs.StringVar(&cfg.configFile, "config", "", "INI file with [controller], [spi] and [filters] sections")
	fs.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "TCP listen address")
	fs.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", cfg.hubBuffer, "Per-client hub buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", cfg.hubPolicy, "Backpressure policy: drop|kick")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", cfg.handshakeTO, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", cfg.clientReadTO, "Per-connection read deadline")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS advertisement")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default mcp2517fd-<hostname>)")
	fs.StringVar(&cfg.spiPort, "spi-port", "", "periph SPI port name (empty selects the first port)")
	fs.IntVar(&cfg.spiMaxHz, "spi-max-hz", cfg.spiMaxHz, "SPI connection clock ceiling in Hz")
	fs.StringVar(&cfg.gpioChip, "gpio-chip", cfg.gpioChip, "GPIO character device for CS and INT")
	fs.IntVar(&cfg.csLine, "cs-line", cfg.csLine, "Chip select line offset")
	fs.IntVar(&cfg.intLine, "int-line", cfg.intLine, "INT line offset (-1 = not wired, poll instead)")
	fs.BoolVar(&cfg.byteTransfers, "spi-byte-transfers", false, "Split SPI transfers into single bytes (debug)")
	fs.StringVar(&cfg.oscillator, "oscillator", cfg.oscillator, "Oscillator: 4mhz|4mhz/2|4mhz-pll|4mhz-pll/2|20mhz|20mhz/2|40mhz|40mhz/2")
	fs.IntVar(&cfg.bitRate, "bitrate", cfg.bitRate, "CAN bit rate in bit/s")
	fs.IntVar(&cfg.tolerancePPM, "tolerance-ppm", cfg.tolerancePPM, "Accepted bit rate error in ppm")
	fs.StringVar(&cfg.mode, "mode", cfg.mode, "Operation mode: normal|listen-only|internal-loopback|external-loopback")
	fs.StringVar(&cfg.strategy, "strategy", cfg.strategy, "Interrupt strategy: worker|inline")
	fs.IntVar(&cfg.workerDepth, "worker-depth", cfg.workerDepth, "Worker strategy signal depth")
	fs.IntVar(&cfg.workerNice, "worker-nice", cfg.workerNice, "Nice value of the interrupt worker thread (0 = unchanged)")
	fs.DurationVar(&cfg.pollInterval, "poll-interval", 0, "Controller poll period; required without an INT line")
	fs.StringVar(&cfg.txRoute, "tx-route", cfg.txRoute, "Transmit path for client frames: fifo|txq")
	fs.IntVar(&cfg.txqSize, "txq-size", 0, "Controller TXQ depth (0 disables the TXQ)")
	fs.IntVar(&cfg.txFIFOSize, "tx-fifo-size", cfg.txFIFOSize, "Controller transmit FIFO depth")
	fs.IntVar(&cfg.rxFIFOSize, "rx-fifo-size", cfg.rxFIFOSize, "Controller receive FIFO depth")
	fs.IntVar(&cfg.driverTxSize, "driver-tx-size", cfg.driverTxSize, "Host transmit queue depth")
	fs.IntVar(&cfg.driverRxSize, "driver-rx-size", cfg.driverRxSize, "Host receive queue depth")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}

	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })
	if _, ok := set["config"]; !ok {
		if v, ok := os.LookupEnv(envPrefix + "CONFIG"); ok {
			cfg.configFile = strings.TrimSpace(v)
		}
	}
	if cfg.configFile != "" {
		if err := loadConfigFile(cfg, cfg.configFile, set); err != nil {
			return nil, false, err
		}
	}
	if err := applyEnvOverrides(cfg, set); err != nil {
		return nil, false, err
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, false, nil
}

// applyEnvOverrides maps MCP2517FD_GW_* variables onto settings whose flag
// was not given explicitly. Empty values are ignored; the first parse error
// is returned.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	for _, s := range settings {
		if _, ok := set[s.flag]; ok {
			continue
		}
		v, ok := os.LookupEnv(s.env())
		v = strings.TrimSpace(v)
		if !ok || (v == "" && s.flag != "metrics-addr") {
			continue
		}
		if err := s.apply(c, v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", s.env(), err)
		}
	}
	return firstErr
}

// validate checks values and ranges without touching any device.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %w", err)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.handshakeTO <= 0 {
		return errors.New("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return errors.New("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	if c.spiMaxHz <= 0 {
		return fmt.Errorf("spi-max-hz must be > 0 (got %d)", c.spiMaxHz)
	}
	if c.csLine < 0 {
		return fmt.Errorf("cs-line must be >= 0 (got %d)", c.csLine)
	}
	if c.intLine < hw.NoLine {
		return fmt.Errorf("int-line must be >= -1 (got %d)", c.intLine)
	}
	if c.intLine == hw.NoLine && c.pollInterval <= 0 {
		return errors.New("poll-interval must be > 0 when int-line is -1")
	}
	if c.pollInterval < 0 {
		return errors.New("poll-interval must be >= 0")
	}
	if _, ok := mcp2517fd.ParseOscillator(c.oscillator); !ok {
		return fmt.Errorf("invalid oscillator: %s", c.oscillator)
	}
	if _, ok := mcp2517fd.ParseMode(c.mode); !ok {
		return fmt.Errorf("invalid mode: %s", c.mode)
	}
	if c.bitRate <= 0 {
		return fmt.Errorf("bitrate must be > 0 (got %d)", c.bitRate)
	}
	if c.tolerancePPM < 0 {
		return errors.New("tolerance-ppm must be >= 0")
	}
	switch c.strategy {
	case "worker", "inline":
	default:
		return fmt.Errorf("invalid strategy: %s", c.strategy)
	}
	if c.workerDepth < 1 {
		return errors.New("worker-depth must be >= 1")
	}
	switch c.txRoute {
	case "fifo":
	case "txq":
		if c.txqSize == 0 {
			return errors.New("tx-route txq needs txq-size > 0")
		}
	default:
		return fmt.Errorf("invalid tx-route: %s", c.txRoute)
	}
	if c.txqSize < 0 || c.txqSize > 32 {
		return fmt.Errorf("txq-size must be 0..32 (got %d)", c.txqSize)
	}
	if c.txFIFOSize < 1 || c.txFIFOSize > 32 {
		return fmt.Errorf("tx-fifo-size must be 1..32 (got %d)", c.txFIFOSize)
	}
	if c.rxFIFOSize < 1 || c.rxFIFOSize > 32 {
		return fmt.Errorf("rx-fifo-size must be 1..32 (got %d)", c.rxFIFOSize)
	}
	if c.driverTxSize < 0 || c.driverRxSize < 1 {
		return errors.New("driver-tx-size must be >= 0 and driver-rx-size >= 1")
	}
	if len(c.filters) > mcp2517fd.MaxFilters {
		return fmt.Errorf("at most %d filters (got %d)", mcp2517fd.MaxFilters, len(c.filters))
	}
	return nil
}

// controllerSettings turns the validated configuration into driver settings.
func (c *appConfig) controllerSettings() mcp2517fd.Settings {
	osc, _ := mcp2517fd.ParseOscillator(c.oscillator)
	s := mcp2517fd.NewSettings(osc, uint32(c.bitRate), uint32(c.tolerancePPM))
	s.RequestedMode, _ = mcp2517fd.ParseMode(c.mode)
	s.ControllerTXQSize = uint8(c.txqSize)
	s.ControllerTransmitFIFOSize = uint8(c.txFIFOSize)
	s.ControllerReceiveFIFOSize = uint8(c.rxFIFOSize)
	s.DriverTransmitFIFOSize = c.driverTxSize
	s.DriverReceiveFIFOSize = c.driverRxSize
	return s
}

// route is the Frame.Idx stamped on client frames.
func (c *appConfig) route() uint8 {
	if c.txRoute == "txq" {
		return can.IdxTXQ
	}
	return can.IdxTxFIFO
}

func (c *appConfig) strategyOption() mcp2517fd.Strategy {
	if c.strategy == "inline" {
		return mcp2517fd.Inline()
	}
	return mcp2517fd.Worker(c.workerDepth)
}
