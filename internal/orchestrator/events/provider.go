// Copyright 2026 fanjia1024

package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ModuleCandidate 一次发现到的扩展候选
type ModuleCandidate struct {
	Name        string
	Dir         string
	SourceKind  SourceKind
	Manifest    *Manifest
	ManifestErr error
	Entrypoint  string
}

// ModuleProvider 模块提供者。两种实现：磁盘扫描（DirProvider）
// 与进程内注册（StaticProvider，测试与无动态加载场景）。
type ModuleProvider interface {
	Discover() ([]ModuleCandidate, error)
	Load(c ModuleCandidate) (EntrypointFunc, error)
}

// defaultEntrypoint 清单缺省时的约定事件入口名
const defaultEntrypoint = "events"

// SourceRoot 扩展扫描根
type SourceRoot struct {
	Path string
	Kind SourceKind
}

// DirProvider 扫描扩展根目录读取清单；入口名映射到进程内注册的工厂。
// 事件入口不要求运行时代码加载，静态链接的工厂表即可满足。
type DirProvider struct {
	roots     []SourceRoot
	factories map[string]EntrypointFunc
}

// NewDirProvider 创建磁盘扫描 provider
func NewDirProvider(roots []SourceRoot) *DirProvider {
	return &DirProvider{roots: roots, factories: make(map[string]EntrypointFunc)}
}

// RegisterFactory 注册入口工厂，key 为清单 entrypoints.events 的值
func (p *DirProvider) RegisterFactory(entrypoint string, fn EntrypointFunc) {
	p.factories[entrypoint] = fn
}

// Discover 扫描每个根的一级子目录。清单存在但解析失败时，
// 候选携带 ManifestErr，由运行时落为 manifest_invalid。
func (p *DirProvider) Discover() ([]ModuleCandidate, error) {
	var out []ModuleCandidate
	for _, root := range p.roots {
		entries, err := os.ReadDir(root.Path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("scan %s: %w", root.Path, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(root.Path, e.Name())
			c := ModuleCandidate{
				Name:       e.Name(),
				Dir:        dir,
				SourceKind: root.Kind,
				Entrypoint: defaultEntrypoint,
			}
			data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
			if err == nil {
				var m Manifest
				if uerr := json.Unmarshal(data, &m); uerr != nil {
					c.ManifestErr = uerr
				} else if m.Name == "" || m.Version == "" {
					c.ManifestErr = fmt.Errorf("manifest missing name or version")
				} else {
					c.Manifest = &m
					if ep, ok := m.Entrypoints["events"]; ok && ep != "" {
						c.Entrypoint = ep
					}
				}
			} else if !os.IsNotExist(err) {
				c.ManifestErr = err
			}
			out = append(out, c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

// Load 从工厂表解析入口
func (p *DirProvider) Load(c ModuleCandidate) (EntrypointFunc, error) {
	if fn, ok := p.factories[c.Entrypoint]; ok {
		return fn, nil
	}
	return nil, fmt.Errorf("no factory registered for entrypoint %q", c.Entrypoint)
}

// StaticModule 进程内注册的模块
type StaticModule struct {
	Name       string
	SourceKind SourceKind
	Manifest   *Manifest
	Entrypoint EntrypointFunc
}

// StaticProvider 进程内模块提供者
type StaticProvider struct {
	modules []StaticModule
}

// NewStaticProvider 创建进程内 provider
func NewStaticProvider(modules ...StaticModule) *StaticProvider {
	return &StaticProvider{modules: modules}
}

// Add 追加模块
func (p *StaticProvider) Add(m StaticModule) {
	p.modules = append(p.modules, m)
}

func (p *StaticProvider) Discover() ([]ModuleCandidate, error) {
	out := make([]ModuleCandidate, 0, len(p.modules))
	for _, m := range p.modules {
		kind := m.SourceKind
		if kind == "" {
			kind = SourceConfiguredRoot
		}
		out = append(out, ModuleCandidate{
			Name:       m.Name,
			SourceKind: kind,
			Manifest:   m.Manifest,
			Entrypoint: m.Name,
		})
	}
	return out, nil
}

func (p *StaticProvider) Load(c ModuleCandidate) (EntrypointFunc, error) {
	for _, m := range p.modules {
		if m.Name == c.Name {
			if m.Entrypoint == nil {
				return nil, fmt.Errorf("module %q has no entrypoint", c.Name)
			}
			return m.Entrypoint, nil
		}
	}
	return nil, fmt.Errorf("module %q not registered", c.Name)
}
