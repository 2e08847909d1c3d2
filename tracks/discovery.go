package tracks

import "encoding/json"

// discovery 维护参与者清单并计算"发现的目标代理"。
// 非并发安全，调用方（Manager）持锁访问。
type discovery struct {
	cfg          ManagerConfig
	trusted      map[string]struct{}
	participants map[string]ParticipantInfo
}

func newDiscovery(cfg ManagerConfig) *discovery {
	trusted := make(map[string]struct{}, len(cfg.TrustedIdentities)+1)
	for _, id := range cfg.TrustedIdentities {
		trusted[id] = struct{}{}
	}
	if cfg.PrimaryIdentity != "" {
		trusted[cfg.PrimaryIdentity] = struct{}{}
	}
	return &discovery{
		cfg:          cfg,
		trusted:      trusted,
		participants: make(map[string]ParticipantInfo),
	}
}

func (d *discovery) upsert(p ParticipantInfo) {
	if p.Identity == "" || p.IsLocal {
		return
	}
	d.participants[p.Identity] = p
}

func (d *discovery) remove(identity string) {
	delete(d.participants, identity)
}

func (d *discovery) reset() {
	d.participants = make(map[string]ParticipantInfo)
}

// isRecognizedAgent 判定参与者是否为已识别代理：身份在可信集合内，
// 或元数据 JSON 中角色字段匹配配置值。
func (d *discovery) isRecognizedAgent(p ParticipantInfo) bool {
	if _, ok := d.trusted[p.Identity]; ok {
		return true
	}
	return d.metadataMarksAgent(p.Metadata)
}

func (d *discovery) metadataMarksAgent(metadata string) bool {
	if metadata == "" || d.cfg.MetadataRoleKey == "" {
		return false
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(metadata), &fields); err != nil {
		// 元数据不是 JSON：不视为代理，也不报错
		return false
	}
	v, ok := fields[d.cfg.MetadataRoleKey].(string)
	return ok && v == d.cfg.MetadataRoleValue
}

// current 返回发现的目标代理：主代理身份优先于任何其他已识别身份。
func (d *discovery) current() (string, bool) {
	if p, ok := d.participants[d.cfg.PrimaryIdentity]; ok {
		return p.Identity, true
	}
	// 其余已识别身份按稳定序取第一个
	var best string
	for id, p := range d.participants {
		if !d.isRecognizedAgent(p) {
			continue
		}
		if best == "" || id < best {
			best = id
		}
	}
	return best, best != ""
}
