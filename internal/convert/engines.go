package convert

import (
	"path/filepath"
	"sort"
	"time"
)

// EngineSpec はエンジンごとの起動設定です。
type EngineSpec struct {
	Name           Engine
	Script         string
	DefaultTimeout time.Duration
}

var defaultEngines = map[Engine]EngineSpec{
	EngineMarkItDown: {Name: EngineMarkItDown, Script: "markitdown_engine.py", DefaultTimeout: 60 * time.Second},
	EngineMinerU:     {Name: EngineMinerU, Script: "mineru_engine.py", DefaultTimeout: 300 * time.Second},
	EngineTesseract:  {Name: EngineTesseract, Script: "tesseract_engine.py", DefaultTimeout: 180 * time.Second},
}

// Command はワーカーの起動コマンドです。
type Command struct {
	Path string
	Args []string
	Env  []string
}

// Registry はエンジン識別子から起動コマンドとタイムアウトを決定します。
// 起動コマンドはエンジン識別子のみで決まります。
type Registry struct {
	interpreter string
	scriptDir   string
	engines     map[Engine]EngineSpec
}

// NewRegistry は既定エンジンを登録した Registry を返します。
// timeouts に含まれるエンジンは既定タイムアウトを上書きします。
func NewRegistry(interpreter, scriptDir string, timeouts map[Engine]time.Duration) *Registry {
	if interpreter == "" {
		interpreter = "python3"
	}
	engines := make(map[Engine]EngineSpec, len(defaultEngines))
	for name, spec := range defaultEngines {
		if d, ok := timeouts[name]; ok && d > 0 {
			spec.DefaultTimeout = d
		}
		engines[name] = spec
	}
	return &Registry{
		interpreter: interpreter,
		scriptDir:   scriptDir,
		engines:     engines,
	}
}

// Lookup はエンジンの設定を返します。
func (r *Registry) Lookup(engine Engine) (EngineSpec, bool) {
	spec, ok := r.engines[engine]
	return spec, ok
}

// Command はエンジンの起動コマンドを返します。
func (r *Registry) Command(engine Engine) (Command, bool) {
	spec, ok := r.engines[engine]
	if !ok {
		return Command{}, false
	}
	return Command{
		Path: r.interpreter,
		Args: []string{filepath.Join(r.scriptDir, spec.Script)},
	}, true
}

// Timeout はエンジンの既定タイムアウトを返します。
func (r *Registry) Timeout(engine Engine) time.Duration {
	return r.engines[engine].DefaultTimeout
}

// Engines は登録済みエンジンを名前順で返します。
func (r *Registry) Engines() []Engine {
	names := make([]Engine, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
