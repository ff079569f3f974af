// Package session serializes work on session dataframes. It gates task
// announcement so that at most one session-modifying task runs per
// (session, handle) at a time, holds compute tasks until the dataframes
// they read are ready, and terminates tasks whose dependencies failed.
package session
