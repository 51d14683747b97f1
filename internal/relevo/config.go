package relevo

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is loaded once per deployed version. Workers keep a pointer to the
// Config they were installed with and never mutate it.
type Config struct {
	Version string `yaml:"version"`

	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
		Scope  string `yaml:"scope"`
	} `yaml:"server"`

	// Precache lists shell assets relative to the scope, e.g. "./index.html".
	Precache []string `yaml:"precache"`
	Shell    string   `yaml:"shell"`

	Hosts struct {
		Blocked          []string `yaml:"blocked"`
		ThirdPartyStatic []string `yaml:"thirdPartyStatic"`
		Storage          []string `yaml:"storage"`
		StorageSuffixes  []string `yaml:"storageSuffixes"`
	} `yaml:"hosts"`

	Storage struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
		Runtime struct {
			Max string `yaml:"max"`
		} `yaml:"runtime"`
		Redis struct {
			Addr      string `yaml:"addr"`
			Password  string `yaml:"password"`
			DB        int    `yaml:"db"`
			KeyPrefix string `yaml:"keyPrefix"`
		} `yaml:"redis"`

		runtimeMax int64
	} `yaml:"storage"`

	Network struct {
		Timeout string `yaml:"timeout"`

		timeoutDur time.Duration
	} `yaml:"network"`

	Lifecycle struct {
		SkipWaitingOnInstall *bool `yaml:"skipWaitingOnInstall"`
		PrecacheConcurrency  int   `yaml:"precacheConcurrency"`
	} `yaml:"lifecycle"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	Metrics struct {
		Path string `yaml:"path"`
	} `yaml:"metrics"`

	Admin struct {
		Prefix string `yaml:"prefix"`
	} `yaml:"admin"`

	Warm struct {
		URLs     []string `yaml:"urls"`
		Sitemaps []string `yaml:"sitemaps"`
		Limit    int      `yaml:"limit"`
	} `yaml:"warm"`

	Watch bool `yaml:"watch"`

	// compiled
	origin       *url.URL
	scope        *url.URL
	manifest     []string
	shellURL     string
	blocked      hostSet
	thirdParty   hostSet
	storageHosts hostSet
}

// Hosts of the identity and document backends. Their clients run internal
// consistency checks that break when responses are replayed from a cache.
var defaultBlockedHosts = []string{
	"firestore.googleapis.com",
	"identitytoolkit.googleapis.com",
	"securetoken.googleapis.com",
	"firebaseinstallations.googleapis.com",
	"content-firebaseappcheck.googleapis.com",
	"www.googleapis.com",
}

var defaultThirdPartyStaticHosts = []string{
	"cdn.jsdelivr.net",
	"unpkg.com",
	"cdnjs.cloudflare.com",
	"fonts.googleapis.com",
	"fonts.gstatic.com",
}

var (
	defaultStorageHosts    = []string{"firebasestorage.googleapis.com"}
	defaultStorageSuffixes = []string{"storage.googleapis.com"}
)

const (
	defaultShell               = "./index.html"
	defaultPrecacheConcurrency = 6
	defaultWarmLimit           = 30
)

type hostSet map[string]struct{}

func newHostSet(hosts []string) hostSet {
	s := make(hostSet, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			s[h] = struct{}{}
		}
	}
	return s
}

func (s hostSet) Has(host string) bool {
	_, ok := s[strings.ToLower(host)]
	return ok
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg, err := ParseConfig(b)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

func ParseConfig(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse yaml")
	}
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) compile() error {
	c.Version = strings.TrimSpace(c.Version)
	if c.Version == "" {
		return errors.New("version is required")
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return errors.New("server.origin is required")
	}
	origin, err := url.Parse(strings.TrimRight(c.Server.Origin, "/"))
	if err != nil {
		return errors.Wrap(err, "server.origin")
	}
	if origin.Scheme != "http" && origin.Scheme != "https" || origin.Host == "" {
		return errors.Errorf("server.origin must be an absolute http(s) URL, got %q", c.Server.Origin)
	}
	origin.Path, origin.RawQuery, origin.Fragment = "", "", ""
	c.origin = origin
	c.Server.Origin = origin.String()

	if c.Server.Scope == "" {
		c.Server.Scope = "/"
	}
	if !strings.HasPrefix(c.Server.Scope, "/") {
		return errors.Errorf("server.scope must start with /, got %q", c.Server.Scope)
	}
	if !strings.HasSuffix(c.Server.Scope, "/") {
		c.Server.Scope += "/"
	}
	scope := *origin
	scope.Path = c.Server.Scope
	c.scope = &scope

	c.manifest = make([]string, 0, len(c.Precache))
	seen := map[string]struct{}{}
	for i, p := range c.Precache {
		abs, err := c.resolveLocal(p)
		if err != nil {
			return errors.Wrapf(err, "precache[%d]", i)
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		c.manifest = append(c.manifest, abs)
	}

	if c.Shell == "" {
		c.Shell = defaultShell
	}
	if c.shellURL, err = c.resolveLocal(c.Shell); err != nil {
		return errors.Wrap(err, "shell")
	}

	if c.Hosts.Blocked == nil {
		c.Hosts.Blocked = defaultBlockedHosts
	}
	if c.Hosts.ThirdPartyStatic == nil {
		c.Hosts.ThirdPartyStatic = defaultThirdPartyStaticHosts
	}
	if c.Hosts.Storage == nil {
		c.Hosts.Storage = defaultStorageHosts
	}
	if c.Hosts.StorageSuffixes == nil {
		c.Hosts.StorageSuffixes = defaultStorageSuffixes
	}
	c.blocked = newHostSet(c.Hosts.Blocked)
	c.thirdParty = newHostSet(c.Hosts.ThirdPartyStatic)
	c.storageHosts = newHostSet(c.Hosts.Storage)

	switch c.Storage.Backend {
	case "":
		c.Storage.Backend = "leveldb"
	case "leveldb", "memory", "redis":
	default:
		return errors.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/leveldb"
	}
	if c.Storage.Runtime.Max != "" {
		n, err := parseBytes(c.Storage.Runtime.Max)
		if err != nil {
			return errors.Wrap(err, "storage.runtime.max")
		}
		c.Storage.runtimeMax = n
	}
	if c.Storage.Redis.Addr == "" {
		c.Storage.Redis.Addr = "localhost:6379"
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "relevo"
	}

	if c.Network.Timeout != "" {
		d, err := time.ParseDuration(c.Network.Timeout)
		if err != nil {
			return errors.Wrap(err, "network.timeout")
		}
		c.Network.timeoutDur = d
	}

	if c.Lifecycle.PrecacheConcurrency <= 0 {
		c.Lifecycle.PrecacheConcurrency = defaultPrecacheConcurrency
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(c.Logging.LogStatsEvery)
		if err != nil {
			return errors.Wrap(err, "logging.logStatsEvery")
		}
		c.Logging.logStatsEveryDur = d
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Admin.Prefix == "" {
		c.Admin.Prefix = "/_relevo"
	}
	c.Admin.Prefix = "/" + strings.Trim(c.Admin.Prefix, "/")

	if c.Warm.Limit <= 0 {
		c.Warm.Limit = defaultWarmLimit
	}
	return nil
}

// resolveLocal resolves a manifest path against the scope and rejects
// anything that would leave the origin.
func (c *Config) resolveLocal(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("empty path")
	}
	ref, err := url.Parse(p)
	if err != nil {
		return "", err
	}
	abs := c.scope.ResolveReference(ref)
	abs.Fragment = ""
	if abs.Scheme != c.origin.Scheme || abs.Host != c.origin.Host {
		return "", errors.Errorf("%q is not on origin %s", p, c.origin)
	}
	return abs.String(), nil
}

func (c *Config) PrecacheName() string { return "precache-" + c.Version }

func (c *Config) RuntimeName() string { return "runtime-" + c.Version }

// Origin returns a copy of the application origin.
func (c *Config) Origin() *url.URL {
	u := *c.origin
	return &u
}

func (c *Config) Manifest() []string {
	out := make([]string, len(c.manifest))
	copy(out, c.manifest)
	return out
}

func (c *Config) ShellURL() string { return c.shellURL }

func (c *Config) SkipWaitingOnInstall() bool {
	return c.Lifecycle.SkipWaitingOnInstall == nil || *c.Lifecycle.SkipWaitingOnInstall
}

func (c *Config) RuntimeMaxBytes() int64 { return c.Storage.runtimeMax }

func (c *Config) NetworkTimeout() time.Duration { return c.Network.timeoutDur }

func (c *Config) LogStatsEvery() time.Duration { return c.Logging.logStatsEveryDur }

func (c *Config) isStorageHost(host string) bool {
	host = strings.ToLower(host)
	if c.storageHosts.Has(host) {
		return true
	}
	for _, sfx := range c.Hosts.StorageSuffixes {
		if sfx != "" && strings.HasSuffix(host, strings.ToLower(sfx)) {
			return true
		}
	}
	return false
}
