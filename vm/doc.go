// Package vm implements the capsule execution engine.
//
// This package contains:
//   - Value handles and the mutability lattice
//   - Class compositions and call-chain dispatch
//   - Register-based frames and the instruction stepper
//   - Service contexts, fibers and futures
//   - Containers with dependency injection
package vm
