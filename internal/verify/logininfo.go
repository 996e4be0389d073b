package verify

import (
	"encoding/base64"
	"encoding/json"
)

// LoginInfo is the derived identity bundle attached to the forwarded
// request. It is never persisted; the pipeline reconstructs it per request
// from the token record plus the cached user profile.
type LoginInfo struct {
	UserID     string `json:"userId"`
	UserName   string `json:"userName,omitempty"`
	Account    string `json:"account,omitempty"`
	AppID      string `json:"appId,omitempty"`
	TenantID   string `json:"tenantId,omitempty"`
	TenantName string `json:"tenantName,omitempty"`
	OrgID      string `json:"orgId,omitempty"`
	OrgName    string `json:"orgName,omitempty"`
	AreaCode   string `json:"areaCode,omitempty"`
}

// Encode serializes the identity as base64 JSON, the form carried in the
// loginInfo header toward backends and the permission service.
func (l *LoginInfo) Encode() string {
	data, _ := json.Marshal(l)
	return base64.StdEncoding.EncodeToString(data)
}

// userProfile is the profile document cached under the User:<id> hash.
type userProfile struct {
	Name       string `json:"name,omitempty"`
	Account    string `json:"account,omitempty"`
	TenantName string `json:"tenantName,omitempty"`
	OrgName    string `json:"orgName,omitempty"`
}
