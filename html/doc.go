// Package html inspects the HTML body of an email. It's not concerned with
// building or sending the message, only with what the markup refers to.
package html
