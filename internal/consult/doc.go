// Package consult is the session manager behind the customer chat widget
// and the agent console. A Manager owns one relay connection and the state
// of every open room on it; UI layers drive it through its methods and
// render from View and Events.
package consult
