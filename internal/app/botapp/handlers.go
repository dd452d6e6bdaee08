package botapp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ivankudzin/vpnshop/internal/domain/enums"
	"github.com/ivankudzin/vpnshop/internal/domain/model"
	tginfra "github.com/ivankudzin/vpnshop/internal/infra/telegram"
	"github.com/ivankudzin/vpnshop/internal/services/purchase"
)

const (
	menuText           = "Добро пожаловать! Выберите действие:"
	payText            = "Платёж создан. Оплатите по ссылке и нажмите «Проверить оплату»."
	pendingText        = "Оплата ещё не поступила. Попробуйте проверить чуть позже."
	keyReadyText       = "Оплата прошла успешно! Ваш VPN ключ:\n\n%s"
	keyPreparingText   = "Оплата получена, ключ готовится. Нажмите «Проверить оплату» ещё раз."
	canceledText       = "Платёж отменён."
	failedText         = "Платёж не прошёл. Попробуйте создать новую покупку."
	expiredText        = "Время оплаты истекло, платёж отменён. Создайте новую покупку."
	inProgressText     = "У вас уже есть незавершённая покупка."
	noKeyText          = "У вас пока нет VPN ключа. Купить его можно в меню."
	ownedKeyText       = "Ваш VPN ключ (выдан %s):\n\n%s"
	alreadyOwnedText   = "У вас уже есть VPN ключ (выдан %s):\n\n%s\n\nПокупка нового ключа заменит текущий."
	unavailableText    = "Сервис временно недоступен. Попробуйте позже."
	provisionFailText  = "Оплата получена, но не удалось создать ключ. Напишите в поддержку: %s"
	unknownPaymentText = "Платёж не найден. Возможно, покупка уже завершена."
)

func instructionsText(supportURL string) string {
	return strings.Join([]string{
		"Как пользоваться:",
		"1. Нажмите «Купить VPN ключ» и оплатите по ссылке.",
		"2. После оплаты нажмите «Проверить оплату» — бот выдаст ключ.",
		"3. Добавьте ключ в приложение (Hiddify, v2rayNG, Streisand).",
		"",
		"Поддержка: " + supportURL,
	}, "\n")
}

func (a *App) mainMenuButtons() []tginfra.Button {
	return []tginfra.Button{
		{Label: "Купить VPN ключ", Data: "buy"},
		{Label: "Мой ключ", Data: "show_key"},
		{Label: "Инструкция", Data: "instructions"},
	}
}

func paymentButtons(confirmationURL, paymentID string) []tginfra.Button {
	buttons := make([]tginfra.Button, 0, 3)
	if confirmationURL != "" {
		buttons = append(buttons, tginfra.Button{Label: "Оплатить", URL: confirmationURL})
	}
	buttons = append(buttons,
		tginfra.Button{Label: "Проверить оплату", Data: "check:" + paymentID},
		tginfra.Button{Label: "Отменить", Data: "cancel:" + paymentID},
	)
	return buttons
}

func menuButton() []tginfra.Button {
	return []tginfra.Button{{Label: "В меню", Data: "menu"}}
}

func (a *App) handleCommand(ctx context.Context, update tginfra.CommandUpdate) error {
	if a.bot == nil {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(update.Command)) {
	case "start", "menu":
		return a.sendMenu(ctx, update.ChatID)
	default:
		return nil
	}
}

func (a *App) handleText(ctx context.Context, update tginfra.TextUpdate) error {
	if a.bot == nil {
		return nil
	}
	// Any free-form text just brings the menu back.
	return a.sendMenu(ctx, update.ChatID)
}

func (a *App) handleCallback(ctx context.Context, update tginfra.CallbackUpdate) error {
	if a.bot == nil {
		return nil
	}

	data := strings.TrimSpace(update.Data)
	action, arg, _ := strings.Cut(data, ":")

	var err error
	switch action {
	case "menu":
		err = a.sendMenu(ctx, update.ChatID)
	case "buy":
		err = a.handleBuy(ctx, update)
	case "buy_new":
		err = a.startPurchase(ctx, update)
	case "show_key":
		err = a.handleShowKey(ctx, update)
	case "instructions":
		err = a.bot.SendKeyboard(ctx, update.ChatID, instructionsText(a.cfg.Bot.SupportURL), menuButton())
	case "check":
		err = a.handleCheck(ctx, update, arg)
	case "cancel":
		err = a.handleCancel(ctx, update, arg)
	default:
		return a.bot.AnswerCallback(ctx, update.CallbackID, "")
	}
	if err != nil {
		return err
	}

	return a.bot.AnswerCallback(ctx, update.CallbackID, "")
}

func (a *App) sendMenu(ctx context.Context, chatID int64) error {
	return a.bot.SendKeyboard(ctx, chatID, menuText, a.mainMenuButtons())
}

func (a *App) handleBuy(ctx context.Context, update tginfra.CallbackUpdate) error {
	// A buyer who already owns a key sees it first; buying again is an
	// explicit second step because the new key replaces the old one.
	cred, err := a.purchases.OwnedCredential(ctx, update.UserID)
	if err == nil {
		text := fmt.Sprintf(alreadyOwnedText, cred.IssuedAt.Format("02.01.2006"), cred.AccessLink)
		return a.bot.SendKeyboard(ctx, update.ChatID, text, []tginfra.Button{
			{Label: "Купить новый ключ", Data: "buy_new"},
			{Label: "В меню", Data: "menu"},
		})
	}
	if !errors.Is(err, purchase.ErrCredentialNotFound) {
		a.logger.Error("load owned credential",
			zap.Int64("buyer_id", update.UserID),
			zap.Error(err))
		return a.bot.SendKeyboard(ctx, update.ChatID, unavailableText, menuButton())
	}

	return a.startPurchase(ctx, update)
}

func (a *App) startPurchase(ctx context.Context, update tginfra.CallbackUpdate) error {
	result, err := a.purchases.Start(ctx, update.UserID, update.ChatID)
	if err != nil {
		if errors.Is(err, purchase.ErrPurchaseInProgress) {
			session, ok := a.purchases.ActiveSession(update.UserID)
			if !ok {
				return a.sendMenu(ctx, update.ChatID)
			}
			return a.bot.SendKeyboard(ctx, update.ChatID, inProgressText, paymentButtons("", session.PaymentID))
		}
		a.logger.Error("start purchase",
			zap.Int64("buyer_id", update.UserID),
			zap.Error(err))
		return a.bot.SendKeyboard(ctx, update.ChatID, unavailableText, menuButton())
	}

	return a.bot.SendKeyboard(ctx, update.ChatID, payText, paymentButtons(result.ConfirmationURL, result.PaymentID))
}

func (a *App) handleCheck(ctx context.Context, update tginfra.CallbackUpdate, paymentID string) error {
	result, err := a.purchases.Check(ctx, paymentID)
	if err != nil {
		switch {
		case errors.Is(err, purchase.ErrUnknownPayment):
			return a.bot.SendKeyboard(ctx, update.ChatID, unknownPaymentText, menuButton())
		case errors.Is(err, purchase.ErrSessionExpired):
			return a.bot.SendKeyboard(ctx, update.ChatID, expiredText, menuButton())
		case errors.Is(err, purchase.ErrProvisioningFailed):
			text := fmt.Sprintf(provisionFailText, a.cfg.Bot.SupportURL)
			return a.bot.SendKeyboard(ctx, update.ChatID, text, menuButton())
		default:
			a.logger.Error("check purchase",
				zap.String("payment_id", paymentID),
				zap.Error(err))
			return a.bot.SendKeyboard(ctx, update.ChatID, unavailableText, paymentButtons("", paymentID))
		}
	}

	switch result.State {
	case enums.SessionStateProvisioned:
		if result.AccessLink == "" {
			return a.bot.SendKeyboard(ctx, update.ChatID, keyPreparingText, paymentButtons("", paymentID))
		}
		text := fmt.Sprintf(keyReadyText, result.AccessLink)
		return a.bot.SendKeyboard(ctx, update.ChatID, text, menuButton())
	case enums.SessionStateSucceeded:
		return a.bot.SendKeyboard(ctx, update.ChatID, keyPreparingText, paymentButtons("", paymentID))
	case enums.SessionStateCanceled:
		return a.bot.SendKeyboard(ctx, update.ChatID, canceledText, menuButton())
	case enums.SessionStateFailed:
		return a.bot.SendKeyboard(ctx, update.ChatID, failedText, menuButton())
	default:
		return a.bot.SendKeyboard(ctx, update.ChatID, pendingText, paymentButtons("", paymentID))
	}
}

func (a *App) handleCancel(ctx context.Context, update tginfra.CallbackUpdate, paymentID string) error {
	result, err := a.purchases.Cancel(ctx, paymentID)
	if err != nil {
		if errors.Is(err, purchase.ErrUnknownPayment) {
			return a.bot.SendKeyboard(ctx, update.ChatID, unknownPaymentText, menuButton())
		}
		a.logger.Error("cancel purchase",
			zap.String("payment_id", paymentID),
			zap.Error(err))
		return a.bot.SendKeyboard(ctx, update.ChatID, unavailableText, paymentButtons("", paymentID))
	}

	switch result.State {
	case enums.SessionStateCanceled:
		return a.bot.SendKeyboard(ctx, update.ChatID, canceledText, menuButton())
	case enums.SessionStateProvisioned:
		// The check won the race, the buyer already owns the key.
		return a.handleShowKey(ctx, update)
	default:
		return a.bot.SendKeyboard(ctx, update.ChatID, failedText, menuButton())
	}
}

func (a *App) handleShowKey(ctx context.Context, update tginfra.CallbackUpdate) error {
	cred, err := a.purchases.OwnedCredential(ctx, update.UserID)
	if err != nil {
		if errors.Is(err, purchase.ErrCredentialNotFound) {
			return a.bot.SendKeyboard(ctx, update.ChatID, noKeyText, menuButton())
		}
		a.logger.Error("load owned credential",
			zap.Int64("buyer_id", update.UserID),
			zap.Error(err))
		return a.bot.SendKeyboard(ctx, update.ChatID, unavailableText, menuButton())
	}

	text := fmt.Sprintf(ownedKeyText, cred.IssuedAt.Format("02.01.2006"), cred.AccessLink)
	return a.bot.SendKeyboard(ctx, update.ChatID, text, menuButton())
}

// NotifyExpired tells the buyer their payment window ran out.
func (a *App) NotifyExpired(ctx context.Context, session model.PurchaseSession) error {
	if a.bot == nil || session.ChatID == 0 {
		return nil
	}
	return a.bot.SendKeyboard(ctx, session.ChatID, expiredText, menuButton())
}
