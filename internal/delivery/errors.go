package delivery

import (
	"fmt"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
)

func forbiddenNonMember(groupID string) error {
	return fmt.Errorf("%w: not a member of group %s", apperr.ErrForbidden, groupID)
}

func forbiddenNotReceiver(messageID string) error {
	return fmt.Errorf("%w: only the receiver may mark %s read", apperr.ErrForbidden, messageID)
}
