// Package alert fans policy violations out to registered subscribers:
// delivery is sequential and in registration order, and a failing or
// panicking subscriber never blocks delivery to later ones — its error is
// collected and returned for inspection instead.
package alert
