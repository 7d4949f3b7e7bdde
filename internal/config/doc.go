// Package config 负责加载守护进程的启动配置：API 监听地址、身份存储
// 后端、审计队列、令牌签发参数与两个协作代理的接入方式。配置文件为
// JSON 格式，路径可由命令行或 A2A_CONFIG 环境变量给出；私钥一律通过
// 环境变量注入，不落盘。
package config
