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

package builtin

import (
	"task-orchestrator/internal/eventlog"
	"task-orchestrator/internal/tool"
	"task-orchestrator/pkg/secrets"
)

// RegisterBuiltin 将内置工具注册到 Registry。publisher 为 nil 时跳过
// event.publish；secrets 为 nil 时 http.request 的 $secret 引用在调用时报错
func RegisterBuiltin(reg *tool.Registry, publisher *eventlog.Publisher, sec secrets.Store) {
	if reg == nil {
		return
	}
	reg.Register(NewHTTPTool(sec))
	reg.Register(NewSleepTool())
	reg.Register(NewEchoTool())
	if publisher != nil {
		reg.Register(NewPublishTool(publisher))
	}
}
