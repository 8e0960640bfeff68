package auth

import (
	"net/http"
	"strings"
)

// Carrier names where a token was found.
const (
	CarrierHeader   = "authorization"
	CarrierProtocol = "subprotocol"
	CarrierQuery    = "query"
	CarrierCookie   = "cookie"
)

// ProtocolBearer is the subprotocol marker preceding a token in
// Sec-WebSocket-Protocol ("bearer, <token>").
const ProtocolBearer = "bearer"

// ExtractToken finds the credential in the handshake, checking in order:
// the Authorization header, the Sec-WebSocket-Protocol pair, the "token"
// query parameter, the "token" cookie. A present but unusable Authorization
// header is malformed rather than missing.
func ExtractToken(r *http.Request) (token, carrier string, err error) {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		tok = strings.TrimSpace(tok)
		if !ok || !strings.EqualFold(scheme, "bearer") || tok == "" {
			return "", CarrierHeader, ErrMalformedToken
		}
		return tok, CarrierHeader, nil
	}

	if tok := protocolToken(r.Header.Values("Sec-WebSocket-Protocol")); tok != "" {
		return tok, CarrierProtocol, nil
	}

	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok, CarrierQuery, nil
	}

	if c, err := r.Cookie("token"); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value), CarrierCookie, nil
	}
	return "", "", ErrMissingToken
}

func protocolToken(values []string) string {
	var parts []string
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
	}
	for i := 0; i+1 < len(parts); i++ {
		if strings.EqualFold(parts[i], ProtocolBearer) {
			return parts[i+1]
		}
	}
	return ""
}
