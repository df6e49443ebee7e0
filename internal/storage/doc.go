// Package storage defines the persistence interfaces and data types for the
// chipgpt MCP platform: OAuth clients, authorization codes, token pairs,
// users, vaults, and vault guesses.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
package storage
