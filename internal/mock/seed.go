package mock

type seedLine struct {
	sender int64
	text   string
}

type seedRoom struct {
	id           int64
	title        string
	participants []int64
	daysAgo      int
	firstID      int64
	lines        []seedLine
}

var seedRooms = []seedRoom{
	{
		id:           1,
		title:        "Should I confess to someone I'm seeing?",
		participants: []int64{1, 2},
		daysAgo:      1,
		firstID:      1001,
		lines: []seedLine{
			{1, "Thanks for the comment! Can I ask a bit more?"},
			{2, "Of course, ask me anything :)"},
			{1, "Is there a way to tell if they're interested in me?"},
			{2, "Watch whether they try to spend time with you and text first!"},
			{1, "I see, so that's how you see it!"},
		},
	},
	{
		id:           2,
		title:        "Having a hard time after a breakup",
		participants: []int64{1, 3},
		daysAgo:      2,
		firstID:      2001,
		lines: []seedLine{
			{1, "Is it okay if I ask you something about your comment?"},
			{3, "Sure, anytime!"},
			{1, "How long did it take you to move on?"},
			{3, "It differs for everyone, but it took me about three months. Take your time."},
			{1, "Thanks for the advice!"},
		},
	},
	{
		id:           3,
		title:        "Feeling distant from my friends",
		participants: []int64{1, 4},
		daysAgo:      3,
		firstID:      3001,
		lines: []seedLine{
			{1, "Could you recommend a club?"},
			{4, "What are your hobbies? Look for a club that matches them!"},
			{1, "I like sports, so I'm interested in a sports club."},
			{4, "How about football or badminton? Friendly people and easy to fit in!"},
			{1, "I'll give it a try!"},
		},
	},
}

// replyPhrases is the pool auto-replies are drawn from.
var replyPhrases = []string{
	"I see! Could you tell me more?",
	"That's a good idea 👍",
	"I can relate to that.",
	"I've had a similar experience.",
	"Thanks for the advice!",
	"Feel free to ask if anything else comes up.",
	"Yes, exactly! I think so too.",
	"That's really helpful.",
}
