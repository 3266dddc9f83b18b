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

// Package schedule 实现调度表达式求值：cron / rrule / once / event / manual。
// 求值在任务时区内进行，返回 UTC。跨 DST 语义：spring-forward 缺口内不存在的
// 墙钟时间不触发（顺延到下一个有效匹配），fall-back 重复的墙钟时间只触发第一次。
package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"
)

// Kind 调度类型
type Kind string

const (
	KindCron   Kind = "cron"
	KindRRule  Kind = "rrule"
	KindOnce   Kind = "once"
	KindEvent  Kind = "event"
	KindManual Kind = "manual"
)

// Spec 任务上声明的调度
type Spec struct {
	Kind Kind   `json:"kind"`
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

// ParseError 调度解析错误，Field 指向出错字段
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("schedule %s: %s", e.Field, e.Reason)
}

// cron 解析器：秒字段可选，支持 @daily 等描述符
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var topicPattern = regexp.MustCompile(`^[a-z0-9_.:-]{1,128}$`)

// Evaluator 已解析的调度，NextAfter 可重复调用且无副作用
type Evaluator struct {
	kind  Kind
	loc   *time.Location
	cron  cron.Schedule
	rule  *rrule.RRule
	set   *rrule.Set
	once  time.Time
	topic string
}

// Parse 校验并解析调度。anchor 作为 rrule 的默认 DTSTART（通常为 task 创建时间）。
func Parse(spec Spec, anchor time.Time) (*Evaluator, error) {
	tz := spec.TZ
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &ParseError{Field: "tz", Reason: fmt.Sprintf("unknown timezone %q", tz)}
	}

	ev := &Evaluator{kind: spec.Kind, loc: loc}
	switch spec.Kind {
	case KindCron:
		sched, err := cronParser.Parse(spec.Expr)
		if err != nil {
			return nil, &ParseError{Field: "expr", Reason: fmt.Sprintf("invalid cron %q: %v", spec.Expr, err)}
		}
		ev.cron = sched
	case KindRRule:
		if strings.Contains(spec.Expr, "DTSTART") {
			set, err := rrule.StrToRRuleSet(spec.Expr)
			if err != nil {
				return nil, &ParseError{Field: "expr", Reason: fmt.Sprintf("invalid rrule %q: %v", spec.Expr, err)}
			}
			ev.set = set
		} else {
			opt, err := rrule.StrToROption(strings.TrimPrefix(spec.Expr, "RRULE:"))
			if err != nil {
				return nil, &ParseError{Field: "expr", Reason: fmt.Sprintf("invalid rrule %q: %v", spec.Expr, err)}
			}
			if opt.Dtstart.IsZero() {
				opt.Dtstart = anchor.In(loc).Truncate(time.Second)
			}
			rule, err := rrule.NewRRule(*opt)
			if err != nil {
				return nil, &ParseError{Field: "expr", Reason: fmt.Sprintf("invalid rrule %q: %v", spec.Expr, err)}
			}
			ev.rule = rule
		}
	case KindOnce:
		at, err := parseOnce(spec.Expr, loc)
		if err != nil {
			return nil, &ParseError{Field: "expr", Reason: err.Error()}
		}
		ev.once = at
	case KindEvent:
		if !topicPattern.MatchString(spec.Expr) {
			return nil, &ParseError{Field: "expr", Reason: fmt.Sprintf("invalid event topic %q", spec.Expr)}
		}
		ev.topic = spec.Expr
	case KindManual:
		if spec.Expr != "" {
			return nil, &ParseError{Field: "expr", Reason: "manual schedule takes no expression"}
		}
	default:
		return nil, &ParseError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", spec.Kind)}
	}
	return ev, nil
}

// parseOnce 接受 RFC3339，或无时区偏移的本地时间（按任务时区解释）
func parseOnce(expr string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, expr); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", expr, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid once timestamp %q (want RFC3339)", expr)
}

// Kind 调度类型
func (e *Evaluator) Kind() Kind {
	return e.kind
}

// Topic event 调度监听的 topic，其他类型返回空
func (e *Evaluator) Topic() string {
	return e.topic
}

// At once 调度的触发时刻（可能已在过去，创建后第一个 tick 补发一次）
func (e *Evaluator) At() (time.Time, bool) {
	if e.kind != KindOnce {
		return time.Time{}, false
	}
	return e.once.UTC(), true
}

// NextAfter 返回严格晚于 t 的下一次触发时刻（UTC）。
// 第二个返回值为 false 表示调度已耗尽或不会自行触发（event/manual）。
func (e *Evaluator) NextAfter(t time.Time) (time.Time, bool) {
	switch e.kind {
	case KindCron:
		return e.nextCron(t)
	case KindRRule:
		return e.nextRRule(t)
	case KindOnce:
		if t.Before(e.once) {
			return e.once.UTC(), true
		}
		return time.Time{}, false
	default:
		// event / manual 不自行触发
		return time.Time{}, false
	}
}

// nextCron cron 求值。缺口内不存在的墙钟时间由 robfig 原生语义跳过；
// 回拨日 robfig 会把同一墙钟触发两次，这里按第一次出现去重。
func (e *Evaluator) nextCron(t time.Time) (time.Time, bool) {
	n := e.cron.Next(t.In(e.loc))
	if n.IsZero() {
		return time.Time{}, false
	}
	if _, isSpec := e.cron.(*cron.SpecSchedule); !isSpec {
		// @every 等固定间隔调度与墙钟无关
		return n.UTC(), true
	}
	for isFallBackRepeat(e.loc, t, n) {
		n = e.cron.Next(n.In(e.loc))
		if n.IsZero() {
			return time.Time{}, false
		}
	}
	return n.UTC(), true
}

// nextRRule rrule 求值。Go 构造本地时间时把缺口内的墙钟前移、把重复的墙钟
// 规范到回拨后的第二段；这里把第二段内的出现映射回第一段，同一墙钟只触发一次。
func (e *Evaluator) nextRRule(t time.Time) (time.Time, bool) {
	cursor := t
	for {
		var n time.Time
		if e.set != nil {
			n = e.set.After(cursor.In(e.loc), false)
		} else {
			n = e.rule.After(cursor.In(e.loc), false)
		}
		if n.IsZero() {
			return time.Time{}, false
		}
		tr, ok := transitionIn(e.loc, n.Add(-4*time.Hour), n)
		if !ok {
			return n.UTC(), true
		}
		_, offBefore := tr.Add(-time.Second).In(e.loc).Zone()
		_, offAfter := tr.In(e.loc).Zone()
		if offAfter >= offBefore {
			return n.UTC(), true
		}
		delta := time.Duration(offBefore-offAfter) * time.Second
		if !n.Before(tr.Add(delta)) {
			return n.UTC(), true
		}
		if first := n.Add(-delta); first.After(t) {
			return first.UTC(), true
		}
		// 同墙钟的第一段时刻已不晚于 t，视为已触发
		cursor = n
	}
}

// isFallBackRepeat n 落在 fall-back 重复窗口的第二段、且同墙钟的第一段时刻
// 已不晚于 t（即已触发过）时为真。
func isFallBackRepeat(loc *time.Location, t, n time.Time) bool {
	tr, ok := transitionIn(loc, n.Add(-4*time.Hour), n)
	if !ok {
		return false
	}
	_, offBefore := tr.Add(-time.Second).In(loc).Zone()
	_, offAfter := tr.In(loc).Zone()
	if offAfter >= offBefore {
		return false
	}
	delta := time.Duration(offBefore-offAfter) * time.Second
	if !n.Before(tr.Add(delta)) {
		return false
	}
	return !n.Add(-delta).After(t)
}

// transitionIn 返回 (from, to] 内第一个 UTC 偏移变化瞬间（秒精度）
func transitionIn(loc *time.Location, from, to time.Time) (time.Time, bool) {
	if !to.After(from) {
		return time.Time{}, false
	}
	_, startOff := from.In(loc).Zone()
	cur := from
	for cur.Before(to) {
		next := cur.Add(time.Hour)
		if next.After(to) {
			next = to
		}
		if _, off := next.In(loc).Zone(); off != startOff {
			lo, hi := cur, next
			for hi.Sub(lo) > time.Second {
				mid := lo.Add(hi.Sub(lo) / 2)
				if _, off := mid.In(loc).Zone(); off != startOff {
					hi = mid
				} else {
					lo = mid
				}
			}
			return hi.Truncate(time.Second), true
		}
		cur = next
	}
	return time.Time{}, false
}
