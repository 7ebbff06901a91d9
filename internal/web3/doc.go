// Package web3 holds the chain-facing helpers used around the agent loop:
// the network catalogue loaded from networks.yaml, and a wallet snapshot
// (chain id, latest block, native balance) that is rendered into the system
// prompt so the model knows which wallet and network it is acting for.
package web3
