// 包 geoip：按客户端 IP 推断国家，作为地名检索的默认国家提示
package geoip

import (
	"net"
	"strings"

	"territory-api/internal/logger"

	"github.com/oschwald/geoip2-golang"
)

type countryReader interface {
	Country(ip net.IP) (*geoip2.Country, error)
	Close() error
}

// Locator：nil 安全；未配置数据库时 Country 恒返回空
type Locator struct {
	r countryReader
}

// Open：path 为空时返回 nil Locator
func Open(path string) (*Locator, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	logger.L().Info("geoip_loaded", "path", path)
	return &Locator{r: r}, nil
}

// Country：返回英文国家名与 ISO 代码（小写）；私有地址与解析失败返回空
func (l *Locator) Country(ip string) (name, iso string) {
	if l == nil || l.r == nil {
		return "", ""
	}
	p := net.ParseIP(strings.TrimSpace(ip))
	if p == nil || p.IsPrivate() || p.IsLoopback() || p.IsUnspecified() {
		return "", ""
	}
	rec, err := l.r.Country(p)
	if err != nil {
		logger.L().Debug("geoip_lookup_error", "ip", ip, "err", err)
		return "", ""
	}
	return rec.Country.Names["en"], strings.ToLower(rec.Country.IsoCode)
}

func (l *Locator) Close() error {
	if l == nil || l.r == nil {
		return nil
	}
	return l.r.Close()
}
