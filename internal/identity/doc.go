// Package identity 维护 DID 到公钥、元数据与信誉记录的映射，是系统内
// “对方是否是其声称的身份”这一问题的唯一权威来源。所有读写都以规范化
// 后的 DID 作为键。
package identity
