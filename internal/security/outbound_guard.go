// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// OutboundGuardService はOAuthプロバイダおよびカレンダーAPIへの外向き通信を制限する。
type OutboundGuardService interface {
	// NewProviderClient はプロバイダAPI呼び出し用のHTTPクライアントを生成する。
	// httpsの443番ポートかつ許可ホストのみに接続でき、
	// プライベートIP、ループバック、リンクローカル、メタデータIPへの接続はsafeurlがブロックする。
	NewProviderClient(timeout time.Duration) *http.Client

	// ValidateEndpoint はエンドポイントURLが許可ホストを指しているかを検証する。
	ValidateEndpoint(rawURL string) error
}

// DefaultProviderHosts はGoogleとMicrosoftのOAuth・カレンダーAPIのホスト。
var DefaultProviderHosts = []string{
	"accounts.google.com",
	"oauth2.googleapis.com",
	"www.googleapis.com",
	"login.microsoftonline.com",
	"graph.microsoft.com",
}

// blockedNetworks はホスト名の代わりにIPリテラルが指定された場合に拒否するネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// outboundGuard はOutboundGuardServiceの実装。
type outboundGuard struct {
	allowedHosts []string
}

// NewOutboundGuard はOutboundGuardServiceを生成する。
// hostsが空の場合はDefaultProviderHostsを許可する。
func NewOutboundGuard(hosts ...string) *outboundGuard {
	if len(hosts) == 0 {
		hosts = DefaultProviderHosts
	}
	normalized := make([]string, 0, len(hosts))
	for _, h := range hosts {
		normalized = append(normalized, strings.ToLower(h))
	}
	return &outboundGuard{allowedHosts: normalized}
}

// NewProviderClient はsafeurlでラップしたHTTPクライアントを返す。
// safeurlはnet.DialerのControlフックでDNS解決後のIPアドレスを検証するため、
// DNS再バインディングも防止される。
func (g *outboundGuard) NewProviderClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		SetAllowedHosts(g.allowedHosts...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateEndpoint はDNS解決を伴わない静的な検証を行う。
// 設定で上書きされたエンドポイントの起動時チェックに使用する。
func (g *outboundGuard) ValidateEndpoint(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if !strings.EqualFold(parsed.Scheme, "https") {
		return fmt.Errorf("disallowed scheme: %s", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return fmt.Errorf("IP literal is not an allowed provider host: %s", host)
	}

	if !slices.Contains(g.allowedHosts, host) {
		return fmt.Errorf("host is not an allowed provider host: %s", host)
	}

	return nil
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
