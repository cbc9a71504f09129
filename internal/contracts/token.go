// Package contracts embeds the ABI fragments the service binds against.
package contracts

// RedeemableTokenABI covers the ERC-20 surface plus the burn entry point the
// settlement contracts expose. Contracts are pre-deployed; only the client
// side lives here.
const RedeemableTokenABI = `[
  {
    "name": "decimals",
    "type": "function",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "uint8"}]
  },
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{"name": "account", "type": "address"}],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "name": "transfer",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "to", "type": "address"},
      {"name": "amount", "type": "uint256"}
    ],
    "outputs": [{"name": "", "type": "bool"}]
  },
  {
    "name": "burnWithReference",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "amount", "type": "uint256"},
      {"name": "hashedReference", "type": "string"}
    ],
    "outputs": []
  }
]`
