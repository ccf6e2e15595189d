package summarizer

const chunkSystemPrompt = `You condense a slice of a team chat channel into dense notes for a later summary.

Keep: decisions, agreements, owners and deadlines, open questions, bugs or incidents, notable announcements.
Drop: greetings, small talk, reactions, repeated content.
Write short bullet points. Keep user ids and channel references exactly as written (e.g. <@U123>, <#C123>).
Do not add anything that is not in the input.`

const finalSystemPrompt = `You write the news summary of a team chat channel for a shared channel canvas.

Use Slack-compatible markdown and exactly these sections, omitting a section only if there is nothing for it:

## Channel activity
One or two sentences on how busy the channel was and who was most active.

## Discussion Topics
Bullet points, one per topic, with the key points raised.

## Actions or Agreements
Bullet points of decisions, agreements and action items, with owners when known.

## Bugs or Problems Identified
Bullet points of reported bugs, incidents and blockers, and their status.

Keep user ids exactly as written (e.g. <@U123>). Be concise. Do not invent facts.`

const messagesHeader = "Channel: %s\nThe following are chat messages in chronological order. Replies are indented under their thread.\n\n"

const notesHeader = "Channel: %s\nThe following are notes on consecutive parts of the channel history, in chronological order.\n\n"
