package mcp

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ErrUnknownTool 表示注册表中不存在请求的工具。
var ErrUnknownTool = stdErrors.New("tool not found")

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// Invoker 执行一次绑定到具体连接的工具调用。
type Invoker func(ctx context.Context, name string, args map[string]any, attemptTimeout time.Duration) Result

// Descriptor 描述一个可被模型调用的工具。创建后不可修改。
type Descriptor struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	invoke      Invoker
}

// NewDescriptor 创建工具描述，参数模式为空时使用空对象模式。
func NewDescriptor(name, description string, parameters json.RawMessage, invoke Invoker) *Descriptor {
	if len(parameters) == 0 || string(parameters) == "null" {
		parameters = emptyObjectSchema
	}
	return &Descriptor{Name: name, Description: description, Parameters: parameters, invoke: invoke}
}

// Invoke 调用工具；attemptTimeout 为单次尝试的超时，<=0 时使用连接默认值。
func (d *Descriptor) Invoke(ctx context.Context, args map[string]any, attemptTimeout time.Duration) Result {
	if d == nil || d.invoke == nil {
		return failure(FailureUnknownTool, "tool has no bound connection", 0)
	}
	return d.invoke(ctx, d.Name, args, attemptTimeout)
}

// Registry 按名称与规范化别名索引工具。
type Registry struct {
	ordered []*Descriptor
	byName  map[string]*Descriptor
}

// NewRegistry 创建注册表；重名工具以先出现者为准。
func NewRegistry(descriptors ...*Descriptor) *Registry {
	r := &Registry{byName: make(map[string]*Descriptor, len(descriptors)*2)}
	for _, d := range descriptors {
		if d == nil || strings.TrimSpace(d.Name) == "" {
			continue
		}
		if _, exists := r.byName[d.Name]; exists {
			continue
		}
		r.ordered = append(r.ordered, d)
		r.byName[d.Name] = d
		if alias := Alias(d.Name); alias != d.Name {
			if _, taken := r.byName[alias]; !taken {
				r.byName[alias] = d
			}
		}
	}
	return r
}

// Lookup 先按原名再按别名查找工具。
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	if r != nil {
		if d, ok := r.byName[name]; ok {
			return d, nil
		}
		if d, ok := r.byName[Alias(name)]; ok {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

// Len 返回去重后的工具数量。
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.ordered)
}

// Descriptors 按发现顺序返回所有工具。
func (r *Registry) Descriptors() []*Descriptor {
	if r == nil {
		return nil
	}
	out := make([]*Descriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Alias 把每一段连续的非字母数字字符替换为单个下划线。
func Alias(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	inSeparator := false
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			inSeparator = false
			continue
		}
		if !inSeparator {
			b.WriteByte('_')
			inSeparator = true
		}
	}
	return b.String()
}
