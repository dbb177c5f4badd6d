// profiles.go — 连接档案 (profiles.json) 的加载与原子保存。
//
// 档案描述终端可切换的后端端点 (本地 dev-server、远程引擎等)。
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/studio-run/go-studio-v2/pkg/logger"
)

// profilesMu 保护 profiles.json 的并发读写。
var profilesMu sync.Mutex

// Profile 单个后端连接档案。
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	BaseURL   string `json:"base_url"`
	Transport string `json:"transport,omitempty"` // sse | ws, 空则用全局配置
	Default   bool   `json:"default,omitempty"`
}

// ProfilesRaw profiles.json 的顶层结构。
type ProfilesRaw struct {
	Profiles []Profile `json:"profiles"`
}

// ProfilesSnapshot 档案快照，含哈希和时间戳。
type ProfilesSnapshot struct {
	Raw       *ProfilesRaw `json:"raw"`
	Hash      string       `json:"hash"`
	CreatedAt string       `json:"created_at"`
}

// LoadProfilesRaw 加载原始 profiles.json。文件不存在视为空档案。
func LoadProfilesRaw(path string) (*ProfilesRaw, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ProfilesRaw{}, nil
		}
		return nil, err
	}

	var raw ProfilesRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Warn("profiles.json parse failed", logger.FieldError, err)
		return &ProfilesRaw{}, nil
	}
	return &raw, nil
}

// SaveProfiles 原子写入 profiles.json (tmp + rename)。
func SaveProfiles(path string, data *ProfilesRaw) error {
	profilesMu.Lock()
	defer profilesMu.Unlock()

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, encoded, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// LoadProfilesSnapshot 加载档案快照，附带内容哈希供变更检测。
func LoadProfilesSnapshot(path string) (*ProfilesSnapshot, error) {
	raw, err := LoadProfilesRaw(path)
	if err != nil {
		return nil, err
	}

	normalized, _ := json.Marshal(raw)
	hash := fmt.Sprintf("sha256:%x", sha256.Sum256(normalized))

	return &ProfilesSnapshot{
		Raw:       raw,
		Hash:      hash,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// DefaultProfile 返回标记为 default 的档案, 没有则返回第一个, 空档案返回 nil。
func (r *ProfilesRaw) DefaultProfile() *Profile {
	if r == nil || len(r.Profiles) == 0 {
		return nil
	}
	for i := range r.Profiles {
		if r.Profiles[i].Default {
			return &r.Profiles[i]
		}
	}
	return &r.Profiles[0]
}
