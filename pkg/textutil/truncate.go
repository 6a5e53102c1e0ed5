// Package textutil holds small string helpers shared by the service layer
// and the provider client.
package textutil

import (
	"strings"
	"unicode/utf8"
)

// Truncate 把 s 截断到最多 n 字节，并且只在字符边界处截断。
//
// 【关键点】上游返回的错误信息常含西里尔字母（每个字符 2 字节），
// 按字节直接 s[:n] 会切断字符，写出非法 UTF-8，Postgres / MySQL utf8mb4
// 严格模式都会拒绝整条 UPDATE，导致终态事务回滚。
// 非法字节先替换成 U+FFFD，保证返回值一定是合法 UTF-8。
func Truncate(s string, n int) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
