package ratelimit

import "strings"

// Policies は認証済み/未認証それぞれの制限設定です。
// 未認証の呼び出し元にはより厳しい上限を適用します。
type Policies struct {
	Anonymous     Config
	Authenticated Config
}

// For は呼び出し元の種別に対応する設定を返します。
func (p Policies) For(authenticated bool) Config {
	if authenticated {
		return p.Authenticated
	}
	return p.Anonymous
}

// Identifier は制限単位の識別子を返します。ユーザーIDがあればIPより優先します。
func Identifier(userID, ip string) (string, bool) {
	if id := strings.TrimSpace(userID); id != "" {
		return "user:" + id, true
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip, false
}
