// Package testpki generates throwaway certificates for tests.
package testpki
