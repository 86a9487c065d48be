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

// Package stablejson 规范化 JSON 序列化：对象键按码点排序、数组保序、拒绝循环引用。
// 输出对键插入顺序不敏感、对任何值变化敏感，用于 replay-cache 签名（design/action-signature.md）。
package stablejson

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Stable 返回 v 的规范化 JSON 字符串。
// 规则：对象键按字典序（码点）排序；数组保持原序；nil 指针与缺失字段省略；循环引用返回错误。
func Stable(v interface{}) (string, error) {
	var sb strings.Builder
	seen := make(map[uintptr]struct{})
	if err := writeStable(&sb, v, seen); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func writeStable(sb *strings.Builder, v interface{}, seen map[uintptr]struct{}) error {
	if v == nil {
		sb.WriteString("null")
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			sb.WriteString("null")
			return nil
		}
		if rv.Kind() == reflect.Ptr {
			addr := rv.Pointer()
			if _, ok := seen[addr]; ok {
				return fmt.Errorf("stablejson: cycle detected")
			}
			seen[addr] = struct{}{}
			defer delete(seen, addr)
		}
		return writeStable(sb, rv.Elem().Interface(), seen)
	case reflect.Map:
		if rv.IsNil() {
			sb.WriteString("null")
			return nil
		}
		addr := rv.Pointer()
		if _, ok := seen[addr]; ok {
			return fmt.Errorf("stablejson: cycle detected")
		}
		seen[addr] = struct{}{}
		defer delete(seen, addr)
		keys := make([]string, 0, rv.Len())
		byKey := make(map[string]reflect.Value, rv.Len())
		for _, k := range rv.MapKeys() {
			if k.Kind() != reflect.String {
				return fmt.Errorf("stablejson: non-string map key %v", k.Kind())
			}
			ks := k.String()
			keys = append(keys, ks)
			byKey[ks] = rv.MapIndex(k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		first := true
		for _, k := range keys {
			mv := byKey[k]
			// nil 值字段视为 undefined，省略
			if isNilValue(mv) {
				continue
			}
			if !first {
				sb.WriteByte(',')
			}
			first = false
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			if err := writeStable(sb, mv.Interface(), seen); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
		return nil
	case reflect.Slice:
		if rv.IsNil() {
			sb.WriteString("null")
			return nil
		}
		addr := rv.Pointer()
		if _, ok := seen[addr]; ok {
			return fmt.Errorf("stablejson: cycle detected")
		}
		seen[addr] = struct{}{}
		defer delete(seen, addr)
		return writeArray(sb, rv, seen)
	case reflect.Array:
		return writeArray(sb, rv, seen)
	case reflect.Struct, reflect.Func, reflect.Chan:
		return fmt.Errorf("stablejson: unsupported type %T", v)
	default:
		// 基本类型走标准 JSON 编码
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		sb.Write(b)
		return nil
	}
}

func writeArray(sb *strings.Builder, rv reflect.Value, seen map[uintptr]struct{}) error {
	sb.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		ev := rv.Index(i)
		if isNilValue(ev) {
			sb.WriteString("null")
			continue
		}
		if err := writeStable(sb, ev.Interface(), seen); err != nil {
			return err
		}
	}
	sb.WriteByte(']')
	return nil
}

func isNilValue(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Func, reflect.Chan:
		return v.IsNil()
	case reflect.Interface:
		return v.IsNil() || isNilValue(v.Elem())
	}
	return false
}
