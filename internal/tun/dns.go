package tun

import (
	"github.com/tidwall/gjson"
)

// FallbackDNS is used when the engine configuration has no usable DNS section.
var FallbackDNS = []string{"1.1.1.1", "8.8.8.8"}

// DNSServers extracts dns.servers from an engine configuration. Entries are
// either strings or objects with an "address" field. The second result is
// true when the section could not be read and FallbackDNS was returned.
func DNSServers(doc []byte) ([]string, bool) {
	if !gjson.ValidBytes(doc) {
		return append([]string(nil), FallbackDNS...), true
	}
	servers := gjson.GetBytes(doc, "dns.servers")
	if !servers.IsArray() {
		return append([]string(nil), FallbackDNS...), true
	}

	var out []string
	servers.ForEach(func(_, v gjson.Result) bool {
		switch {
		case v.Type == gjson.String:
			out = append(out, v.String())
		case v.IsObject():
			if addr := v.Get("address"); addr.Type == gjson.String {
				out = append(out, addr.String())
			}
		}
		return true
	})
	return out, false
}
