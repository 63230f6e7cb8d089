// Package fanout delivers alert messages to the configured endpoints.
//
// Router decides where a message goes: services are tagged with a category
// at configuration time; the default category reaches only the default
// endpoint, a broadcast category reaches every endpoint. Dispatcher performs
// the sends (telegram, webhook, slack, kafka) one after another and logs
// failures without retrying or propagating them.
package fanout
