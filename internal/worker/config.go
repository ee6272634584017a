package worker

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/nvc-practice/nvc-edge/internal/config"
)

// Config is the immutable per-generation configuration. A new deploy builds a
// new Config; nothing in it changes while the generation is alive.
type Config struct {
	Version          string
	CachePrefix      string
	ShellFiles       []string
	APIPrefix        string
	Origin           *url.URL
	ClaimOnActivate  bool
	CacheNavigations bool
	// WaitForRelease 为真时安装后不自动跳过等待，需 SKIP_WAITING 或页面全部释放。
	WaitForRelease bool
	ShellDocument  string
	OfflineMessage string
	FetchTimeout   time.Duration
}

// offlineMessages 按语言提供 API 离线提示，首项为默认语言。
var offlineMessages = []struct {
	tag     language.Tag
	message string
}{
	{language.SimplifiedChinese, "当前离线，无法访问服务端接口。"},
	{language.English, "You are offline. The service API cannot be reached."},
}

var offlineMatcher = func() language.Matcher {
	tags := make([]language.Tag, len(offlineMessages))
	for i, entry := range offlineMessages {
		tags[i] = entry.tag
	}
	return language.NewMatcher(tags)
}()

// OfflineMessageFor 返回与 locale 最接近的离线提示文案，无法识别时使用默认语言。
func OfflineMessageFor(locale string) string {
	_, idx := language.MatchStrings(offlineMatcher, locale)
	return offlineMessages[idx].message
}

// NewConfig derives a generation config from the worker section of the
// configuration file and the origin of the page the worker serves.
func NewConfig(wc config.WorkerConfig, pageOrigin string) (Config, error) {
	origin, err := parseOrigin(pageOrigin)
	if err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(wc.Version) == "" {
		return Config{}, errors.New("worker version is required")
	}
	shell := make([]string, len(wc.ShellFiles))
	copy(shell, wc.ShellFiles)

	return Config{
		Version:          wc.Version,
		CachePrefix:      wc.CachePrefix,
		ShellFiles:       shell,
		APIPrefix:        wc.APIPrefix,
		Origin:           origin,
		ClaimOnActivate:  wc.ClaimOnActivate,
		CacheNavigations: wc.CacheNavigations,
		WaitForRelease:   wc.WaitForRelease,
		ShellDocument:    wc.ShellDocument,
		OfflineMessage:   OfflineMessageFor(wc.Locale),
		FetchTimeout:     wc.FetchTimeout.DurationValue(),
	}, nil
}

func parseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse page origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("page origin %q must be an absolute http(s) URL", raw)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// CacheName 返回本代静态缓存的名称，即前缀加版本号。
func (c Config) CacheName() string {
	return c.CachePrefix + c.Version
}

// IsStaleCache 判断缓存名称属于本家族但不是当前代。
func (c Config) IsStaleCache(name string) bool {
	return strings.HasPrefix(name, c.CachePrefix) && name != c.CacheName()
}

// URL resolves a site-relative path against the page origin.
func (c Config) URL(path string) string {
	ref := &url.URL{Path: path}
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		ref = &url.URL{Path: path[:idx], RawQuery: path[idx+1:]}
	}
	return c.Origin.ResolveReference(ref).String()
}

// Fingerprint identifies the generation the way a byte comparison of the
// worker script would: any change to the configuration yields a new value.
func (c Config) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "version=%s\nprefix=%s\napi=%s\n", c.Version, c.CachePrefix, c.APIPrefix)
	if c.Origin != nil {
		fmt.Fprintf(&b, "origin=%s\n", c.Origin.String())
	}
	fmt.Fprintf(&b, "claim=%t\nnavigations=%t\nshell_document=%s\n", c.ClaimOnActivate, c.CacheNavigations, c.ShellDocument)
	if c.WaitForRelease {
		b.WriteString("wait_for_release=true\n")
	}
	fmt.Fprintf(&b, "offline=%s\ntimeout=%s\n", c.OfflineMessage, c.FetchTimeout)
	for _, path := range c.ShellFiles {
		fmt.Fprintf(&b, "shell=%s\n", path)
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(b.String())).String()
}
