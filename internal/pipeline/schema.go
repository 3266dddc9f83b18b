// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compileSchema 编译 JSON Schema (Draft 2020-12) 文档，开启 format 断言
// （date-time、uri、email 等）。文档先经 JSON 往返归一化，容忍 Go 字面量
// 中的 int 等非解码类型。
func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	norm, err := normalizeJSON(doc)
	if err != nil {
		return nil, fmt.Errorf("schema not JSON-serializable: %v", err)
	}
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	c.AssertFormat()
	if err := c.AddResource(name, norm); err != nil {
		return nil, fmt.Errorf("add schema resource: %v", err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %v", err)
	}
	return sch, nil
}

// validateSchema 按 schema 文档校验 value；任何违规都是确定性失败
func validateSchema(doc map[string]any, value any) error {
	sch, err := compileSchema("schema.json", doc)
	if err != nil {
		return err
	}
	norm, err := normalizeJSON(value)
	if err != nil {
		return err
	}
	if err := sch.Validate(norm); err != nil {
		return fmt.Errorf("schema violation: %v", err)
	}
	return nil
}

// normalizeJSON 经 JSON 往返，把任意可序列化值归一为解码后的 JSON 类型树
func normalizeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
