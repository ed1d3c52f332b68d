// Package datasource provides local directory backends for the gateway.
package datasource
