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

package stablejson

import (
	"crypto/sha256"
	"encoding/hex"
)

// Signature 组装 replay-cache 签名串：
// "<actionType>:<projectId>:<sourceSessionId>:<turnId>:<stable_json(payload)>"
// 任一 scope 字段变化都会改变签名，payload 的键插入顺序不会。
func Signature(actionType, projectID, sourceSessionID, turnID string, payload interface{}) (string, error) {
	body, err := Stable(payload)
	if err != nil {
		return "", err
	}
	return actionType + ":" + projectID + ":" + sourceSessionID + ":" + turnID + ":" + body, nil
}

// Hash 对签名串取 SHA-256，输出 64 位小写十六进制。
func Hash(signature string) string {
	h := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(h[:])
}
