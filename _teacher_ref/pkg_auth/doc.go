// Package auth provides shared authentication types used by both
// the Muster Agent and Aggregator Server for auth status communication.
//
// This package contains the data structures used to communicate authentication
// state through the auth://status resource and related functionality.
package auth
