// Package reasoning provides the Engine used to make supervisor decisions and
// to write replies. Failover tries OpenAI and Anthropic profiles in priority
// order; a failed profile cools down for the base cooldown times its failure
// count.
package reasoning
