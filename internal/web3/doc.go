// Package web3 houses blockchain connectivity for the identity ledger:
// RPC client wrappers, the AgentRegistry contract binding, and multi-chain
// configuration helpers. It lets the registry persist DID records on EVM
// networks such as Ethereum mainnet and Sepolia, with event subscriptions
// feeding the audit pipeline.
package web3
