package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds the softphone configuration
type Config struct {
	// HTTP server settings
	Port     int
	BindAddr string

	// gRPC health server port, 0 disables it
	GRPCPort int

	// Log settings
	LogLevel string
	Dev      bool // human-friendly development log output

	// SIP user agent settings
	AdvertiseAddr string // Address to advertise in SIP Contact and SDP
	UserAgent     string
	AudioOut      string // File receiving decoded remote audio, empty discards it
	RTPPortMin    int    // 0 with RTPPortMax 0 binds ephemeral ports
	RTPPortMax    int
	NameServer    string // DNS server for SIP SRV lookups, empty uses resolv.conf

	// Form defaults
	SipURL      string
	SipUser     string
	SipPassword string
	CallTo      string
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg, err := LoadArgs(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return cfg
}

// LoadArgs parses args and applies environment overrides read through getenv.
// Environment variables win over flags. Empty variables are treated as unset.
func LoadArgs(args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("softphone", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", 3000, "UI HTTP server port")
	fs.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "UI bind address")
	fs.IntVar(&cfg.GRPCPort, "grpc-port", 9090, "gRPC health server port (0 disables)")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.Dev, "dev", false, "Development log output")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
	fs.StringVar(&cfg.UserAgent, "user-agent", "softphone", "SIP User-Agent header value")
	fs.StringVar(&cfg.AudioOut, "audio-out", "", "File receiving decoded remote audio (16-bit 8kHz mono PCM)")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", 0, "Minimum RTP port (0 for ephemeral)")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", 0, "Maximum RTP port (0 for ephemeral)")
	fs.StringVar(&cfg.NameServer, "nameserver", "", "DNS server for SIP SRV lookups (default from /etc/resolv.conf)")
	fs.StringVar(&cfg.SipURL, "sip-url", "", "Default SIP server endpoint, e.g. wss://sip.example.com")
	fs.StringVar(&cfg.SipUser, "sip-user", "", "Default SIP user")
	fs.StringVar(&cfg.SipPassword, "sip-password", "", "Default SIP password")
	fs.StringVar(&cfg.CallTo, "call-to", "", "Default call destination")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Override with environment variables if set
	if port := getenv("UI_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			cfg.Port = p
		}
	}
	if bind := getenv("UI_BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if loglevel := getenv("UI_LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if port := getenv("GRPC_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p >= 0 {
			cfg.GRPCPort = p
		}
	}
	if advertise := getenv("ADVERTISE"); advertise != "" {
		cfg.AdvertiseAddr = advertise
	}
	if out := getenv("AUDIO_OUT"); out != "" {
		cfg.AudioOut = out
	}
	if ua := getenv("USER_AGENT"); ua != "" {
		cfg.UserAgent = ua
	}
	if v := getenv("RTP_PORT_MIN"); v != "" {
		cfg.RTPPortMin, _ = strconv.Atoi(v)
	}
	if v := getenv("RTP_PORT_MAX"); v != "" {
		cfg.RTPPortMax, _ = strconv.Atoi(v)
	}
	if v := getenv("NAMESERVER"); v != "" {
		cfg.NameServer = v
	}
	if v := getenv("SIP_URL"); v != "" {
		cfg.SipURL = v
	}
	if v := getenv("SIP_USER_NAME"); v != "" {
		cfg.SipUser = v
	}
	if v := getenv("SIP_USER_PASSWORD"); v != "" {
		cfg.SipPassword = v
	}
	if v := getenv("CALL_TO_URL"); v != "" {
		cfg.CallTo = v
	}

	// Validate and fallback to auto-detection if invalid
	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}

	return cfg, nil
}

// HTTPAddr returns the HTTP listen address.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.Port))
}

// GRPCAddr returns the gRPC listen address.
func (c *Config) GRPCAddr() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.GRPCPort))
}

// MaskedPassword hides the default password for display.
func (c *Config) MaskedPassword() string {
	if c.SipPassword == "" {
		return "(none)"
	}
	return strings.Repeat("*", 8)
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
