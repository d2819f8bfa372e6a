package email

import (
	"fmt"
	"net/smtp"
)

// smtpServer holds the address of the SMTP server used to send mail.
var smtpServer string

// auth holds the credentials for the SMTP connection, initialized by
// smtp.PlainAuth with the sender's account.
var auth smtp.Auth

// fromEmail is the sender address used as "From" in outgoing mail.
var fromEmail string

// InitEmailService initializes the email service by establishing an SMTP
// connection to the mail server with the sender's credentials, and dials
// once to verify the connection works.
// Returns false and the error if the connection cannot be established.
func InitEmailService(sender, password string) (bool, error) {
	smtpServer = "smtp.gmail.com:587"
	fromEmail = sender

	auth = smtp.PlainAuth(
		"",
		sender,
		password,
		"smtp.gmail.com",
	)

	c, err := smtp.Dial(smtpServer)
	if err != nil {
		return false, fmt.Errorf("cannot connect to the SMTP server: %v", err)
	}

	err = c.Close()
	if err != nil {
		return false, fmt.Errorf("cannot close the SMTP connection: %v", err)
	}

	return true, nil
}

// SendEnrollmentConfirmation sends the enrollment confirmation email: the
// routine the user enrolled in, the start date, and how many habit
// instances were scheduled for them.
func SendEnrollmentConfirmation(to, routineName, startDate string, habitsScheduled int) error {
	headers := make(map[string]string)
	headers["From"] = fromEmail
	headers["To"] = to
	headers["Subject"] = "You're enrolled in " + routineName
	headers["MIME-version"] = "1.0"
	headers["Content-Type"] = "text/html; charset=\"UTF-8\""

	message := ""
	for k, v := range headers {
		message += fmt.Sprintf("%s: %s\r\n", k, v)
	}

	body := fmt.Sprintf(`
	<html>
		<head>
			<style>
				body {
					font-family: sans-serif;
					margin: 0;
					padding: 0;
				}
				.container {
					max-width: 600px;
					margin: 0 auto;
					padding: 10px;
					border-radius: 4px;
				}
				p {
					line-height: 1.6;
				}
			</style>
		</head>
		<body>
			<div class="container">
				<h1>Welcome to %s!</h1>
				<p>Your routine starts on <strong>%s</strong>.</p>
				<p>We scheduled <strong>%d</strong> habits on your calendar. Check in each day to keep your streak alive and earn coins.</p>
			</div>
		</body>
	</html>
	`, routineName, startDate, habitsScheduled)
	message += "\r\n" + body

	err := smtp.SendMail(
		smtpServer,
		auth,
		fromEmail,
		[]string{to},
		[]byte(message),
	)

	if err != nil {
		return fmt.Errorf("failed to send email: %v", err)
	}

	return nil
}
