// Command botqueue runs the bot's job workers and administers their queues.
package main

func main() {
	Execute()
}
